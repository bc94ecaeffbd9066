package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowplane/pkg/schema"
)

func TestValidateExecutable_Valid(t *testing.T) {
	v := newTestValidator(t)

	result := v.ValidateExecutable(validExecutable(), Options{})

	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}

func TestValidateExecutable_UnknownProvider(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	e.Actions[0].Exec.Provider = "nonexistent"

	result := v.ValidateExecutable(e, Options{})

	require.False(t, result.Valid())
	assert.Equal(t, schema.RuleUnknownTool, result.Errors[0].Code)
}

func TestValidateExecutable_UnknownAction(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	e.Actions[0].Exec.ActionSlug = "delete_everything"

	result := v.ValidateExecutable(e, Options{})

	require.False(t, result.Valid())
	assert.Equal(t, schema.RuleUnknownTool, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, `no action "delete_everything"`)
}

func TestValidateExecutable_UnknownTrigger(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	e.Triggers[0].Exec.TriggerSlug = "star_added"

	result := v.ValidateExecutable(e, Options{})

	require.False(t, result.Valid())
	assert.Equal(t, schema.RuleUnknownTrigger, result.Errors[0].Code)
}

func TestValidateExecutable_MissingRequiredParam(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	delete(e.Actions[0].Exec.InputTemplate, "repo")

	result := v.ValidateExecutable(e, Options{})

	require.False(t, result.Valid())
	assert.Equal(t, schema.RuleParamSpecMismatch, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, `required parameter "repo" missing`)
}

func TestValidateExecutable_UnknownParamIsWarning(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	e.Actions[0].Exec.InputTemplate["labels"] = "bug"

	result := v.ValidateExecutable(e, Options{})

	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, schema.RuleParamSpecMismatch, result.Warnings[0].Code)
	assert.Contains(t, result.Warnings[0].Message, `"labels" is not declared`)
}

func TestValidateExecutable_ScopeMissing(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()

	result := v.ValidateExecutable(e, Options{
		Connections: map[string][]string{"conn-1": {"repo:read"}},
	})

	require.False(t, result.Valid())
	assert.Equal(t, schema.RuleScopeMissing, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, `lacks scope "repo:write"`)
}

func TestValidateExecutable_ScopeGranted(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()

	result := v.ValidateExecutable(e, Options{
		Connections: map[string][]string{"conn-1": {"repo:read", "repo:write"}},
	})

	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}

func TestValidateExecutable_UnknownConnectionSkipsScopeCheck(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()

	result := v.ValidateExecutable(e, Options{
		Connections: map[string][]string{"other-conn": {}},
	})

	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}

func TestValidateExecutable_DeprecatedActionHint(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	e.Actions = append(e.Actions, schema.ExecAction{
		LocalID: "a2",
		Exec: schema.ActionExecBlock{
			Provider:   "github",
			ActionSlug: "old_search",
		},
	})
	e.Routes = append(e.Routes, schema.Route{FromRef: "a1", ToRef: "a2"})

	result := v.ValidateExecutable(e, Options{})

	assert.True(t, result.Valid())
	require.Len(t, result.Hints, 1)
	assert.Contains(t, result.Hints[0].Message, "deprecated")
}

func TestValidateExecutable_DuplicateLocalRef(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	e.Actions = append(e.Actions, schema.ExecAction{
		LocalID: "a1",
		Exec:    schema.ActionExecBlock{Provider: "slack", ActionSlug: "post_message", InputTemplate: map[string]any{"channel": "#ops", "text": "hi"}},
	})

	result := v.ValidateExecutable(e, Options{})

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, `duplicate local ref "a1"`)
}

func TestValidateExecutable_RouteUnknownRef(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	e.Routes = append(e.Routes, schema.Route{FromRef: "a1", ToRef: "ghost"})

	result := v.ValidateExecutable(e, Options{})

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, `unknown ref "ghost"`)
}

func TestValidateExecutable_RouteCycle(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	e.Actions = append(e.Actions, schema.ExecAction{
		LocalID: "a2",
		Exec:    schema.ActionExecBlock{Provider: "slack", ActionSlug: "post_message", InputTemplate: map[string]any{"channel": "#ops", "text": "hi"}},
	})
	e.Routes = append(e.Routes,
		schema.Route{FromRef: "a1", ToRef: "a2"},
		schema.Route{FromRef: "a2", ToRef: "a1"},
	)

	result := v.ValidateExecutable(e, Options{})

	require.False(t, result.Valid())
	assert.Equal(t, schema.RuleCycleInGraph, result.Errors[0].Code)
}

func TestValidateExecutable_RouteExprUnparseable(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	e.Routes[0].Expr = "inputs.amount >"

	result := v.ValidateExecutable(e, Options{})

	require.False(t, result.Valid())
	assert.Equal(t, schema.RuleUnresolvedRef, result.Errors[0].Code)
}

func TestValidateExecutable_ScheduleTrigger(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	e.Triggers[0].Schedule = &schema.ScheduleSpec{CronExpr: "0 9 * * 1-5", Timezone: "UTC"}

	result := v.ValidateExecutable(e, Options{})

	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}

func TestValidateExecutable_ScheduleBadCronAndTimezone(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	e.Triggers[0].Schedule = &schema.ScheduleSpec{CronExpr: "not a cron", Timezone: "Nowhere/Nope"}

	result := v.ValidateExecutable(e, Options{})

	require.False(t, result.Valid())
	codes := errorCodes(result)
	assert.True(t, codes[schema.RuleCronInvalid])
	assert.True(t, codes[schema.ErrCodeTzInvalid])
}

func TestValidateExecutable_BadOutputVar(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	e.Actions[0].Exec.OutputVars = map[string]string{"issue_id": ".result | foo("}

	result := v.ValidateExecutable(e, Options{})

	require.False(t, result.Valid())
	assert.Equal(t, schema.RuleUnresolvedRef, result.Errors[0].Code)
}

func TestValidateExecutable_FlowControlRefsAndExprs(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	e.FlowControl = &schema.FlowControl{
		Conditions: []schema.Conditional{
			{
				LocalID:     "c1",
				IncomingRef: "a1",
				Branches:    []schema.ConditionalArm{{Expr: "inputs.amount >", TargetRef: "ghost"}},
			},
		},
		Loops: []schema.LoopSpec{
			{LocalID: "l1", Kind: "while", BodyRef: "a1"},
			{LocalID: "l2", Kind: "foreach", BodyRef: "a1"},
		},
	}

	result := v.ValidateExecutable(e, Options{})

	require.False(t, result.Valid())
	messages := make([]string, 0, len(result.Errors))
	for _, issue := range result.Errors {
		messages = append(messages, issue.Message)
	}
	joined := ""
	for _, m := range messages {
		joined += m + "\n"
	}
	assert.Contains(t, joined, `unknown ref "ghost"`)
	assert.Contains(t, joined, "does not parse")
	assert.Contains(t, joined, "while loop requires a condition")
	assert.Contains(t, joined, "foreach loop requires a source expression")
}

func TestValidateExecutable_SwitchChecks(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	e.FlowControl = &schema.FlowControl{
		Switches: []schema.SwitchSpec{
			{
				LocalID:     "s1",
				IncomingRef: "a1",
				Cases:       []schema.SwitchArm{{Value: "x", TargetRef: "ghost"}},
			},
			{
				LocalID:     "s2",
				IncomingRef: "a1",
				Selector:    "inputs.kind ==",
			},
		},
	}

	result := v.ValidateExecutable(e, Options{})

	require.False(t, result.Valid())
	joined := ""
	for _, issue := range result.Errors {
		joined += issue.Message + "\n"
	}
	assert.Contains(t, joined, "switch requires a selector expression")
	assert.Contains(t, joined, `unknown ref "ghost"`)
	assert.Contains(t, joined, "switch selector does not parse")
	assert.Contains(t, joined, "switch has no cases")
}

func TestValidateExecutable_ParallelJoinMode(t *testing.T) {
	v := newTestValidator(t)
	e := validExecutable()
	e.Actions = append(e.Actions, schema.ExecAction{
		LocalID: "a2",
		Exec:    schema.ActionExecBlock{Provider: "slack", ActionSlug: "post_message", InputTemplate: map[string]any{"channel": "#ops", "text": "hi"}},
	})
	e.FlowControl = &schema.FlowControl{
		Parallel: []schema.ParallelSpec{
			{LocalID: "p1", IncomingRef: "t1", Targets: []string{"a1", "a2"}, JoinMode: "quorum:9"},
		},
	}

	result := v.ValidateExecutable(e, Options{})

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "quorum 9 out of range")
}
