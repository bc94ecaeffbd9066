package compile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowplane/internal/catalog"
	"github.com/rendis/flowplane/internal/validation"
	"github.com/rendis/flowplane/pkg/schema"
)

func testCompiler(t *testing.T) *Compiler {
	t.Helper()
	reg := catalog.NewRegistry()
	require.NoError(t, reg.Register(&catalog.Provider{
		Slug: "github",
		Actions: map[string]catalog.ActionSpec{
			"create_issue": {
				Name:           "create_issue",
				RequiredParams: []string{"repo", "title"},
				OptionalParams: []string{"body"},
			},
			"close_issue": {
				Name:           "close_issue",
				RequiredParams: []string{"repo", "number"},
			},
		},
		Triggers: map[string]catalog.TriggerSpec{
			"issue_opened": {Slug: "issue_opened", SupportsWebhooks: true},
		},
	}))
	v, err := validation.NewValidator(reg)
	require.NoError(t, err)
	return NewCompiler(v)
}

func executableFixture() *schema.Executable {
	return &schema.Executable{
		WorkflowID: "wf-1",
		Version:    3,
		UserID:     "user-9",
		Triggers: []schema.ExecTrigger{
			{
				LocalID: "on_issue",
				Exec: schema.TriggerExecBlock{
					Provider:      "github",
					TriggerSlug:   "issue_opened",
					Configuration: map[string]any{"verify_signature": true},
				},
			},
		},
		Actions: []schema.ExecAction{
			{
				LocalID: "open",
				Exec: schema.ActionExecBlock{
					Provider:      "github",
					ActionSlug:    "create_issue",
					ConnectionID:  "conn-1",
					InputTemplate: map[string]any{"repo": "org/repo", "title": "${{inputs.title}}"},
					Retry:         &schema.RetryPolicy{Retries: 2, Backoff: schema.BackoffLinear, DelayMs: 100},
				},
			},
		},
		Routes: []schema.Route{
			{FromRef: "on_issue", ToRef: "open"},
		},
	}
}

func TestLower_LinearWorkflow(t *testing.T) {
	c := testCompiler(t)

	dag, report := c.Lower(executableFixture())

	require.True(t, report.Valid(), "unexpected errors: %+v", report.Errors)
	require.NotNil(t, dag)
	assert.Equal(t, "wf-1", dag.WorkflowID)
	assert.Equal(t, 3, dag.Version)
	assert.Equal(t, "user-9", dag.UserID)

	require.Len(t, dag.Nodes, 2)
	trigger := dag.Nodes[0]
	assert.Equal(t, "t1", trigger.ID)
	assert.Equal(t, schema.NodeTrigger, trigger.Type)
	assert.Equal(t, schema.TriggerEventBased, trigger.Data.Kind)
	assert.Equal(t, "github", trigger.Data.ToolkitSlug)
	assert.Equal(t, "issue_opened", trigger.Data.TriggerSlug)
	assert.Len(t, trigger.Data.TriggerInstanceID, 64)

	action := dag.Nodes[1]
	assert.Equal(t, "a1", action.ID)
	assert.Equal(t, schema.NodeAction, action.Type)
	assert.Equal(t, "create_issue", action.Data.Action)

	require.Len(t, dag.Edges, 1)
	assert.Equal(t, "e_t1_a1", dag.Edges[0].ID)
	assert.Equal(t, "t1", dag.Edges[0].Source)
	assert.Equal(t, "a1", dag.Edges[0].Target)
}

func TestLower_IsDeterministic(t *testing.T) {
	c := testCompiler(t)

	first, report1 := c.Lower(executableFixture())
	second, report2 := c.Lower(executableFixture())

	require.True(t, report1.Valid())
	require.True(t, report2.Valid())

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func TestLower_TriggerInstanceIDVariesPerNode(t *testing.T) {
	c := testCompiler(t)
	e := executableFixture()
	e.Triggers = append(e.Triggers, schema.ExecTrigger{
		LocalID: "on_issue_2",
		Exec: schema.TriggerExecBlock{
			Provider:      "github",
			TriggerSlug:   "issue_opened",
			Configuration: map[string]any{"verify_signature": true},
		},
	})

	dag, report := c.Lower(e)

	require.True(t, report.Valid())
	assert.NotEqual(t, dag.Nodes[0].Data.TriggerInstanceID, dag.Nodes[1].Data.TriggerInstanceID)
}

func TestLower_ScheduledTrigger(t *testing.T) {
	c := testCompiler(t)
	e := executableFixture()
	e.Triggers[0].Schedule = &schema.ScheduleSpec{CronExpr: "0 9 * * 1-5", Timezone: "America/Santiago"}

	dag, report := c.Lower(e)

	require.True(t, report.Valid())
	assert.Equal(t, schema.TriggerScheduleBased, dag.Nodes[0].Data.Kind)
	assert.Equal(t, "0 9 * * 1-5", dag.Nodes[0].Data.CronExpr)
	assert.Equal(t, "America/Santiago", dag.Nodes[0].Data.Timezone)
}

func TestLower_PolicyInheritance(t *testing.T) {
	c := testCompiler(t)
	e := executableFixture()
	e.Actions[0].Exec.Retry = nil
	e.Actions[0].Exec.TimeoutMs = 0
	e.Policies = &schema.Globals{
		Retry:          &schema.RetryPolicy{Retries: 5, Backoff: schema.BackoffExponential, DelayMs: 250},
		TimeoutMs:      15000,
		MaxParallelism: 4,
	}

	dag, report := c.Lower(e)

	require.True(t, report.Valid())
	action := dag.FindNode("a1")
	require.NotNil(t, action)
	require.NotNil(t, action.Data.Retry)
	assert.Equal(t, 5, action.Data.Retry.Retries)
	assert.Equal(t, int64(15000), action.Data.TimeoutMs)
	require.NotNil(t, dag.Globals)
	assert.Equal(t, 4, dag.Globals.MaxParallelism)
}

func TestLower_ExplicitPolicyWins(t *testing.T) {
	c := testCompiler(t)
	e := executableFixture()
	e.Actions[0].Exec.TimeoutMs = 2000
	e.Policies = &schema.Globals{TimeoutMs: 15000}

	dag, report := c.Lower(e)

	require.True(t, report.Valid())
	assert.Equal(t, int64(2000), dag.FindNode("a1").Data.TimeoutMs)
}

func TestLower_DefaultMaxParallelism(t *testing.T) {
	c := testCompiler(t)

	dag, report := c.Lower(executableFixture())

	require.True(t, report.Valid())
	require.NotNil(t, dag.Globals)
	assert.Equal(t, 10, dag.Globals.MaxParallelism)
}

func TestLower_Conditional(t *testing.T) {
	c := testCompiler(t)
	e := executableFixture()
	e.Actions = append(e.Actions, schema.ExecAction{
		LocalID: "close",
		Exec: schema.ActionExecBlock{
			Provider:      "github",
			ActionSlug:    "close_issue",
			ConnectionID:  "conn-1",
			InputTemplate: map[string]any{"repo": "org/repo", "number": "${{inputs.number}}"},
			Retry:         &schema.RetryPolicy{Retries: 1},
		},
	})
	e.Routes = nil
	e.FlowControl = &schema.FlowControl{
		Conditions: []schema.Conditional{
			{
				LocalID:     "decide",
				IncomingRef: "on_issue",
				Branches: []schema.ConditionalArm{
					{Name: "hot", Expr: "inputs.priority == \"high\"", TargetRef: "open"},
				},
				ElseRef: "close",
			},
		},
	}

	dag, report := c.Lower(e)

	require.True(t, report.Valid(), "unexpected errors: %+v", report.Errors)
	gateway := dag.FindNode("g1")
	require.NotNil(t, gateway)
	assert.Equal(t, schema.NodeGatewayIf, gateway.Type)
	require.Len(t, gateway.Data.Branches, 1)
	assert.Equal(t, "a1", gateway.Data.Branches[0].To)
	assert.Equal(t, "a2", gateway.Data.ElseTo)

	require.Len(t, dag.Edges, 1)
	assert.Equal(t, "e_t1_g1", dag.Edges[0].ID)
}

func TestLower_Switch(t *testing.T) {
	c := testCompiler(t)
	e := executableFixture()
	e.Actions = append(e.Actions, schema.ExecAction{
		LocalID: "close",
		Exec: schema.ActionExecBlock{
			Provider:      "github",
			ActionSlug:    "close_issue",
			ConnectionID:  "conn-1",
			InputTemplate: map[string]any{"repo": "org/repo", "number": "${{inputs.number}}"},
			Retry:         &schema.RetryPolicy{Retries: 1},
		},
	})
	e.Routes = nil
	e.FlowControl = &schema.FlowControl{
		Switches: []schema.SwitchSpec{
			{
				LocalID:     "by_kind",
				IncomingRef: "on_issue",
				Selector:    "inputs.kind",
				Cases: []schema.SwitchArm{
					{Value: "bug", TargetRef: "open"},
					{Value: "done", TargetRef: "close"},
				},
				DefaultRef: "close",
			},
		},
	}

	dag, report := c.Lower(e)

	require.True(t, report.Valid(), "unexpected errors: %+v", report.Errors)
	sw := dag.FindNode("sw1")
	require.NotNil(t, sw)
	assert.Equal(t, schema.NodeGatewaySwitch, sw.Type)
	assert.Equal(t, "inputs.kind", sw.Data.Selector)
	require.Len(t, sw.Data.Cases, 2)
	assert.Equal(t, "bug", sw.Data.Cases[0].Value)
	assert.Equal(t, "a1", sw.Data.Cases[0].To)
	assert.Equal(t, "a2", sw.Data.Cases[1].To)
	assert.Equal(t, "a2", sw.Data.DefaultTo)

	require.Len(t, dag.Edges, 1)
	assert.Equal(t, "e_t1_sw1", dag.Edges[0].ID)
}

func TestLower_ParallelWithJoin(t *testing.T) {
	c := testCompiler(t)
	e := executableFixture()
	e.Actions = append(e.Actions,
		schema.ExecAction{
			LocalID: "close",
			Exec: schema.ActionExecBlock{
				Provider:      "github",
				ActionSlug:    "close_issue",
				ConnectionID:  "conn-1",
				InputTemplate: map[string]any{"repo": "org/repo", "number": "1"},
				Retry:         &schema.RetryPolicy{Retries: 1},
			},
		},
		schema.ExecAction{
			LocalID: "notify",
			Exec: schema.ActionExecBlock{
				Provider:      "github",
				ActionSlug:    "create_issue",
				ConnectionID:  "conn-1",
				InputTemplate: map[string]any{"repo": "org/repo", "title": "done"},
				Retry:         &schema.RetryPolicy{Retries: 1},
			},
		},
	)
	e.Routes = nil
	e.FlowControl = &schema.FlowControl{
		Parallel: []schema.ParallelSpec{
			{
				LocalID:     "fan",
				IncomingRef: "on_issue",
				Targets:     []string{"open", "close"},
				OutgoingRef: "notify",
				JoinMode:    "quorum:1",
			},
		},
	}

	dag, report := c.Lower(e)

	require.True(t, report.Valid(), "unexpected errors: %+v", report.Errors)
	par := dag.FindNode("par1")
	require.NotNil(t, par)
	join := dag.FindNode("join1")
	require.NotNil(t, join)
	assert.Equal(t, "quorum:1", join.Data.Mode)

	edgeIDs := make([]string, 0, len(dag.Edges))
	for _, edge := range dag.Edges {
		edgeIDs = append(edgeIDs, edge.ID)
	}
	assert.Equal(t, []string{
		"e_par1_a1",
		"e_a1_join1",
		"e_par1_a2",
		"e_a2_join1",
		"e_t1_par1",
		"e_join1_a3",
	}, edgeIDs)
}

func TestLower_LoopDefaults(t *testing.T) {
	c := testCompiler(t)
	e := executableFixture()
	e.FlowControl = &schema.FlowControl{
		Loops: []schema.LoopSpec{
			{LocalID: "retry_loop", Kind: "while", IncomingRef: "on_issue", BodyRef: "open", Condition: "vars.count < 3"},
			{LocalID: "each", Kind: "foreach", BodyRef: "open", Source: "inputs.items", ItemVar: "item"},
		},
	}

	dag, report := c.Lower(e)

	require.True(t, report.Valid(), "unexpected errors: %+v", report.Errors)
	while := dag.FindNode("loop1")
	require.NotNil(t, while)
	assert.Equal(t, schema.NodeLoopWhile, while.Type)
	assert.Equal(t, 1000, while.Data.MaxIterations)
	assert.Equal(t, "a1", while.Data.BodyStart)

	foreach := dag.FindNode("loop2")
	require.NotNil(t, foreach)
	assert.Equal(t, schema.NodeLoopForeach, foreach.Type)
	assert.Equal(t, 5, foreach.Data.MaxConcurrency)
}

func TestLower_UnresolvedRef(t *testing.T) {
	c := testCompiler(t)
	e := executableFixture()
	e.Routes = append(e.Routes, schema.Route{FromRef: "open", ToRef: "ghost"})

	dag, report := c.Lower(e)

	assert.Nil(t, dag)
	require.False(t, report.Valid())
	assert.Equal(t, schema.RuleUnresolvedRef, report.Errors[0].Code)
}

func TestLower_UnknownLoopKind(t *testing.T) {
	c := testCompiler(t)
	e := executableFixture()
	e.FlowControl = &schema.FlowControl{
		Loops: []schema.LoopSpec{{LocalID: "l", Kind: "until", BodyRef: "open"}},
	}

	dag, report := c.Lower(e)

	assert.Nil(t, dag)
	require.False(t, report.Valid())
	assert.Contains(t, report.Errors[0].Message, "unknown loop kind")
}

func TestValidateAndCompile_Success(t *testing.T) {
	c := testCompiler(t)
	doc, err := json.Marshal(executableFixture())
	require.NoError(t, err)

	result := c.ValidateAndCompile(doc, validation.Options{})

	require.True(t, result.OK, "report: %+v", result.Report)
	require.NotNil(t, result.DAG)
	assert.Empty(t, result.Repairs)
	assert.True(t, result.Report.Valid())
}

func TestValidateAndCompile_AppliesRepairs(t *testing.T) {
	c := testCompiler(t)
	e := executableFixture()
	e.Triggers[0].Exec.Configuration = map[string]any{"events": "opened"}
	doc, err := json.Marshal(e)
	require.NoError(t, err)

	result := c.ValidateAndCompile(doc, validation.Options{})

	require.True(t, result.OK, "report: %+v", result.Report)
	require.NotEmpty(t, result.Repairs)
	assert.Equal(t, schema.RuleWebhookNoVerify, result.Repairs[0].Code)

	trigger := result.DAG.FindNode("t1")
	require.NotNil(t, trigger)
	assert.Equal(t, true, trigger.Data.Filter["verify_signature"])
}

func TestValidateAndCompile_ValidationFailureStops(t *testing.T) {
	c := testCompiler(t)
	e := executableFixture()
	e.Actions[0].Exec.Provider = "nonexistent"
	doc, err := json.Marshal(e)
	require.NoError(t, err)

	result := c.ValidateAndCompile(doc, validation.Options{})

	assert.False(t, result.OK)
	assert.Nil(t, result.DAG)
	require.False(t, result.Report.Valid())
	assert.Equal(t, schema.RuleUnknownTool, result.Report.Errors[0].Code)
}

func TestValidateAndCompile_MalformedDocument(t *testing.T) {
	c := testCompiler(t)

	result := c.ValidateAndCompile(json.RawMessage(`{broken`), validation.Options{})

	assert.False(t, result.OK)
	assert.Nil(t, result.DAG)
	assert.False(t, result.Report.Valid())
}
