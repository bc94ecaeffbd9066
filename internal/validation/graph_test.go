package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowplane/internal/expressions"
	"github.com/rendis/flowplane/pkg/schema"
)

func newGraphEval(t *testing.T) *expressions.Evaluator {
	t.Helper()
	eval, err := expressions.NewEvaluator()
	require.NoError(t, err)
	return eval
}

func triggerNode(id string) schema.Node {
	return schema.Node{
		ID:   id,
		Type: schema.NodeTrigger,
		Data: schema.NodeData{
			Kind:        schema.TriggerEventBased,
			ToolkitSlug: "github",
			TriggerSlug: "issue_opened",
			Filter:      map[string]any{"verify_signature": true},
		},
	}
}

func actionNode(id string) schema.Node {
	return schema.Node{
		ID:   id,
		Type: schema.NodeAction,
		Data: schema.NodeData{
			Tool:          "github",
			Action:        "create_issue",
			InputTemplate: map[string]any{"repo": "org/repo", "title": "hello"},
		},
	}
}

func linearDAG() *schema.DAG {
	return &schema.DAG{
		WorkflowID: "wf-1",
		Version:    1,
		Nodes:      []schema.Node{triggerNode("t1"), actionNode("a1")},
		Edges:      []schema.Edge{{ID: "e1", Source: "t1", Target: "a1"}},
	}
}

func errorCodes(result *schema.ValidationResult) map[string]bool {
	codes := make(map[string]bool)
	for _, issue := range result.Errors {
		codes[issue.Code] = true
	}
	return codes
}

func TestValidateGraph_Valid(t *testing.T) {
	result := validateGraph(linearDAG(), newGraphEval(t))
	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}

func TestValidateGraph_DuplicateNodeID(t *testing.T) {
	d := linearDAG()
	d.Nodes = append(d.Nodes, actionNode("a1"))

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate node id")
}

func TestValidateGraph_NoTrigger(t *testing.T) {
	d := &schema.DAG{
		WorkflowID: "wf-1",
		Version:    1,
		Nodes:      []schema.Node{actionNode("a1")},
	}

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "no trigger node")
}

func TestValidateGraph_DuplicateEdgeID(t *testing.T) {
	d := linearDAG()
	d.Nodes = append(d.Nodes, actionNode("a2"))
	d.Edges = append(d.Edges, schema.Edge{ID: "e1", Source: "a1", Target: "a2"})

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate edge id")
}

func TestValidateGraph_EdgeEndpointMissing(t *testing.T) {
	d := linearDAG()
	d.Edges = append(d.Edges, schema.Edge{ID: "e2", Source: "a1", Target: "ghost"})

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, `non-existent target "ghost"`)
}

func TestValidateGraph_EdgeConditionUnparseable(t *testing.T) {
	d := linearDAG()
	d.Edges[0].Condition = "inputs.amount >"

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	assert.Equal(t, schema.RuleUnresolvedRef, result.Errors[0].Code)
}

func TestValidateGraph_ScheduleTrigger(t *testing.T) {
	d := linearDAG()
	d.Nodes[0].Data = schema.NodeData{
		Kind:     schema.TriggerScheduleBased,
		CronExpr: "*/5 * * * *",
		Timezone: "America/Santiago",
	}

	result := validateGraph(d, newGraphEval(t))

	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}

func TestValidateGraph_ScheduleTriggerBadCron(t *testing.T) {
	d := linearDAG()
	d.Nodes[0].Data = schema.NodeData{
		Kind:     schema.TriggerScheduleBased,
		CronExpr: "99 99 * * *",
	}

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	assert.Equal(t, schema.RuleCronInvalid, result.Errors[0].Code)
}

func TestValidateGraph_ScheduleTriggerBadTimezone(t *testing.T) {
	d := linearDAG()
	d.Nodes[0].Data = schema.NodeData{
		Kind:     schema.TriggerScheduleBased,
		CronExpr: "0 9 * * 1",
		Timezone: "Mars/Olympus",
	}

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeTzInvalid, result.Errors[0].Code)
}

func TestValidateGraph_TriggerUnknownKind(t *testing.T) {
	d := linearDAG()
	d.Nodes[0].Data.Kind = "manual"

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "unknown kind")
}

func TestValidateGraph_ActionMissingBinding(t *testing.T) {
	d := linearDAG()
	d.Nodes[1].Data.Tool = ""

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "missing tool or action")
}

func TestValidateGraph_TemplateReferencesUnknownNode(t *testing.T) {
	d := linearDAG()
	d.Nodes[1].Data.InputTemplate = map[string]any{
		"title": "${{node.ghost.outputs.result}}",
	}

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	assert.Equal(t, schema.RuleUnresolvedRef, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, `unknown node "ghost"`)
}

func TestValidateGraph_GatewayIfChecks(t *testing.T) {
	d := linearDAG()
	d.Nodes = append(d.Nodes, schema.Node{
		ID:   "g1",
		Type: schema.NodeGatewayIf,
		Data: schema.NodeData{
			Branches: []schema.Branch{
				{Expr: "inputs.amount >", To: "a1"},
				{Expr: "true", To: "ghost"},
			},
		},
	})
	d.Edges = append(d.Edges, schema.Edge{ID: "e2", Source: "t1", Target: "g1"})

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	codes := errorCodes(result)
	assert.True(t, codes[schema.RuleUnresolvedRef])
	assert.True(t, codes[schema.ErrCodeValidation])
}

func TestValidateGraph_SwitchWithoutSelector(t *testing.T) {
	d := linearDAG()
	d.Nodes = append(d.Nodes, schema.Node{
		ID:   "s1",
		Type: schema.NodeGatewaySwitch,
		Data: schema.NodeData{
			Cases: []schema.SwitchCase{{Value: "high", To: "a1"}},
		},
	})
	d.Edges = append(d.Edges, schema.Edge{ID: "e2", Source: "t1", Target: "s1"})

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "no selector")
}

func TestValidateGraph_JoinQuorumOutOfRange(t *testing.T) {
	d := linearDAG()
	d.Nodes = append(d.Nodes,
		actionNode("a2"),
		schema.Node{ID: "j1", Type: schema.NodeJoin, Data: schema.NodeData{Mode: "quorum:5"}},
	)
	d.Edges = append(d.Edges,
		schema.Edge{ID: "e2", Source: "t1", Target: "a2"},
		schema.Edge{ID: "e3", Source: "a1", Target: "j1"},
		schema.Edge{ID: "e4", Source: "a2", Target: "j1"},
	)

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "quorum 5 out of range")
}

func TestValidateGraph_JoinQuorumWithinRange(t *testing.T) {
	d := linearDAG()
	d.Nodes = append(d.Nodes,
		actionNode("a2"),
		schema.Node{ID: "j1", Type: schema.NodeJoin, Data: schema.NodeData{Mode: "quorum:1"}},
	)
	d.Edges = append(d.Edges,
		schema.Edge{ID: "e2", Source: "t1", Target: "a2"},
		schema.Edge{ID: "e3", Source: "a1", Target: "j1"},
		schema.Edge{ID: "e4", Source: "a2", Target: "j1"},
	)

	result := validateGraph(d, newGraphEval(t))

	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}

func TestValidateGraph_WhileLoopMissingCondition(t *testing.T) {
	d := linearDAG()
	d.Nodes = append(d.Nodes, schema.Node{
		ID:   "l1",
		Type: schema.NodeLoopWhile,
		Data: schema.NodeData{BodyStart: "a1", MaxIterations: 10},
	})
	d.Edges = append(d.Edges, schema.Edge{ID: "e2", Source: "t1", Target: "l1"})

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "no condition")
}

func TestValidateGraph_CycleDetected(t *testing.T) {
	d := linearDAG()
	d.Nodes = append(d.Nodes, actionNode("a2"))
	d.Edges = append(d.Edges,
		schema.Edge{ID: "e2", Source: "a1", Target: "a2"},
		schema.Edge{ID: "e3", Source: "a2", Target: "a1"},
	)

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	assert.Equal(t, schema.RuleCycleInGraph, result.Errors[0].Code)
}

func TestValidateGraph_LoopBackEdgeIsNotACycle(t *testing.T) {
	d := &schema.DAG{
		WorkflowID: "wf-1",
		Version:    1,
		Nodes: []schema.Node{
			triggerNode("t1"),
			{
				ID:   "l1",
				Type: schema.NodeLoopWhile,
				Data: schema.NodeData{
					Condition:     "vars.count < 3",
					BodyStart:     "b1",
					MaxIterations: 10,
				},
			},
			actionNode("b1"),
			actionNode("after"),
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "t1", Target: "l1"},
			{ID: "e2", Source: "b1", Target: "l1"},
			{ID: "e3", Source: "l1", Target: "after"},
		},
	}

	result := validateGraph(d, newGraphEval(t))

	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}

func TestValidateGraph_UnreachableNode(t *testing.T) {
	d := linearDAG()
	d.Nodes = append(d.Nodes, actionNode("orphan"))

	result := validateGraph(d, newGraphEval(t))

	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, `"orphan" is not reachable`)
}

func TestValidateGraph_GatewayTargetsCountAsReachable(t *testing.T) {
	d := &schema.DAG{
		WorkflowID: "wf-1",
		Version:    1,
		Nodes: []schema.Node{
			triggerNode("t1"),
			{
				ID:   "g1",
				Type: schema.NodeGatewayIf,
				Data: schema.NodeData{
					Branches: []schema.Branch{{Expr: "inputs.amount > 100", To: "a1"}},
					ElseTo:   "a2",
				},
			},
			actionNode("a1"),
			actionNode("a2"),
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "t1", Target: "g1"},
		},
	}

	result := validateGraph(d, newGraphEval(t))

	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}
