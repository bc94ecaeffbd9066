package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowplane/internal/catalog"
	"github.com/rendis/flowplane/internal/idempotency"
	"github.com/rendis/flowplane/internal/store"
	"github.com/rendis/flowplane/pkg/schema"
)

type fakeInvoker struct {
	mu      sync.Mutex
	calls   []catalog.InvokeRequest
	handler func(req catalog.InvokeRequest) (*catalog.InvokeResult, error)
}

func (f *fakeInvoker) Invoke(_ context.Context, req catalog.InvokeRequest) (*catalog.InvokeResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	f.mu.Unlock()
	if f.handler != nil {
		return f.handler(req)
	}
	return &catalog.InvokeResult{Result: map[string]any{"ok": true, "call": n}, StatusCode: 200}, nil
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeInvoker) callsFor(nodeAction string) []catalog.InvokeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []catalog.InvokeRequest
	for _, c := range f.calls {
		if c.Action == nodeAction {
			out = append(out, c)
		}
	}
	return out
}

type testHarness struct {
	exec    *Executor
	store   *store.LibSQLStore
	invoker *fakeInvoker
}

func newHarness(t *testing.T, handler func(catalog.InvokeRequest) (*catalog.InvokeResult, error)) *testHarness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	st, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	inv := &fakeInvoker{handler: handler}
	exec, err := New(st, inv, idempotency.NewMemoryCache(), nil, slog.Default(), Config{
		MaxRetryDelay: time.Millisecond,
	})
	require.NoError(t, err)
	return &testHarness{exec: exec, store: st, invoker: inv}
}

func (h *testHarness) put(t *testing.T, dag *schema.DAG) {
	t.Helper()
	require.NoError(t, h.store.PutWorkflowVersion(context.Background(), &store.WorkflowVersion{
		WorkflowID: dag.WorkflowID,
		Version:    dag.Version,
		UserID:     "user-1",
		Name:       "engine test workflow",
		Executable: json.RawMessage(`{}`),
		DAG:        dag,
	}))
}

func (h *testHarness) runToEnd(t *testing.T, dag *schema.DAG, payload map[string]any) *schema.Run {
	t.Helper()
	h.put(t, dag)
	run, err := h.exec.Activate(context.Background(), &schema.Activation{
		WorkflowID: dag.WorkflowID,
		Version:    dag.Version,
		Payload:    payload,
		Source:     schema.SourceManual,
	})
	require.NoError(t, err)
	h.exec.Wait()
	final, err := h.store.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	return final
}

func (h *testHarness) nodeStatus(t *testing.T, runID, nodeID string) schema.NodeStatus {
	t.Helper()
	ex, err := h.store.GetNodeExecution(context.Background(), runID, nodeID)
	require.NoError(t, err)
	return ex.Status
}

func (h *testHarness) eventTypes(t *testing.T, runID string) []string {
	t.Helper()
	events, err := h.store.ListRunEvents(context.Background(), runID, 0, 0)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func trigger(id string) schema.Node {
	return schema.Node{ID: id, Type: schema.NodeTrigger, Data: schema.NodeData{Kind: schema.TriggerEventBased}}
}

func action(id, tool, act string, data ...func(*schema.NodeData)) schema.Node {
	n := schema.Node{ID: id, Type: schema.NodeAction, Data: schema.NodeData{Tool: tool, Action: act}}
	for _, fn := range data {
		fn(&n.Data)
	}
	return n
}

func edge(src, dst string) schema.Edge {
	return schema.Edge{ID: "e_" + src + "_" + dst, Source: src, Target: dst}
}

func TestExecutor_LinearChainSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	dag := &schema.DAG{
		WorkflowID: "wf-linear", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			action("a1", "slack", "post_message"),
			action("a2", "github", "create_issue"),
		},
		Edges: []schema.Edge{edge("t1", "a1"), edge("a1", "a2")},
	}

	run := h.runToEnd(t, dag, map[string]any{"channel": "#ops"})

	assert.Equal(t, schema.RunSuccess, run.Status)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, schema.NodeSkipped, h.nodeStatus(t, run.RunID, "t1"))
	assert.Equal(t, schema.NodeDone, h.nodeStatus(t, run.RunID, "a1"))
	assert.Equal(t, schema.NodeDone, h.nodeStatus(t, run.RunID, "a2"))
	assert.Equal(t, 2, h.invoker.callCount())

	types := h.eventTypes(t, run.RunID)
	assert.Equal(t, schema.EventRunStarted, types[0])
	assert.Equal(t, schema.EventRunSucceeded, types[len(types)-1])
}

func TestExecutor_OutputVarsFlowDownstream(t *testing.T) {
	h := newHarness(t, func(req catalog.InvokeRequest) (*catalog.InvokeResult, error) {
		if req.Action == "create_issue" {
			return &catalog.InvokeResult{Result: map[string]any{"number": 42.0}}, nil
		}
		return &catalog.InvokeResult{Result: map[string]any{"ok": true}}, nil
	})
	dag := &schema.DAG{
		WorkflowID: "wf-vars", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			action("a1", "github", "create_issue", func(d *schema.NodeData) {
				d.OutputVars = map[string]string{"issue_number": ".number"}
			}),
			action("a2", "slack", "post_message", func(d *schema.NodeData) {
				d.InputTemplate = map[string]any{"text": "created ${{vars.issue_number}}"}
			}),
		},
		Edges: []schema.Edge{edge("t1", "a1"), edge("a1", "a2")},
	}

	run := h.runToEnd(t, dag, nil)
	require.Equal(t, schema.RunSuccess, run.Status)

	posts := h.invoker.callsFor("post_message")
	require.Len(t, posts, 1)
	assert.Equal(t, "created 42", posts[0].Arguments["text"])
}

func TestExecutor_RetriableFailureRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	h := newHarness(t, func(req catalog.InvokeRequest) (*catalog.InvokeResult, error) {
		attempts++
		if attempts == 1 {
			return nil, schema.NewError(schema.ErrCodeExecution, "upstream 503")
		}
		return &catalog.InvokeResult{Result: map[string]any{"ok": true}}, nil
	})
	dag := &schema.DAG{
		WorkflowID: "wf-retry", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			action("a1", "github", "create_issue", func(d *schema.NodeData) {
				d.Retry = &schema.RetryPolicy{Retries: 2, Backoff: schema.BackoffLinear, DelayMs: 1}
			}),
		},
		Edges: []schema.Edge{edge("t1", "a1")},
	}

	run := h.runToEnd(t, dag, nil)

	assert.Equal(t, schema.RunSuccess, run.Status)
	assert.Equal(t, 2, h.invoker.callCount())
	assert.Contains(t, h.eventTypes(t, run.RunID), schema.EventNodeRetrying)
}

func TestExecutor_FatalFailureDoesNotRetry(t *testing.T) {
	h := newHarness(t, func(req catalog.InvokeRequest) (*catalog.InvokeResult, error) {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "bad request")
	})
	dag := &schema.DAG{
		WorkflowID: "wf-fatal", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			action("a1", "github", "create_issue", func(d *schema.NodeData) {
				d.Retry = &schema.RetryPolicy{Retries: 3, DelayMs: 1}
			}),
		},
		Edges: []schema.Edge{edge("t1", "a1")},
	}

	run := h.runToEnd(t, dag, nil)

	assert.Equal(t, schema.RunFailed, run.Status)
	assert.Equal(t, 1, h.invoker.callCount())
	assert.Equal(t, schema.NodeError, h.nodeStatus(t, run.RunID, "a1"))
}

func TestExecutor_RetriesExhaustedFailsRun(t *testing.T) {
	h := newHarness(t, func(req catalog.InvokeRequest) (*catalog.InvokeResult, error) {
		return nil, schema.NewError(schema.ErrCodeExecution, "still down")
	})
	dag := &schema.DAG{
		WorkflowID: "wf-exhaust", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			action("a1", "github", "create_issue", func(d *schema.NodeData) {
				d.Retry = &schema.RetryPolicy{Retries: 2, DelayMs: 1}
			}),
		},
		Edges: []schema.Edge{edge("t1", "a1")},
	}

	run := h.runToEnd(t, dag, nil)

	assert.Equal(t, schema.RunFailed, run.Status)
	assert.Equal(t, 3, h.invoker.callCount())

	ex, err := h.store.GetNodeExecution(context.Background(), run.RunID, "a1")
	require.NoError(t, err)
	assert.Equal(t, schema.NodeError, ex.Status)
	assert.Contains(t, ex.Error, "RETRY_EXHAUSTED")
}

func TestExecutor_ZeroRetriesInvokesExactlyOnce(t *testing.T) {
	h := newHarness(t, func(req catalog.InvokeRequest) (*catalog.InvokeResult, error) {
		return nil, schema.NewError(schema.ErrCodeExecution, "flaky")
	})
	dag := &schema.DAG{
		WorkflowID: "wf-once", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			action("a1", "github", "create_issue"),
		},
		Edges: []schema.Edge{edge("t1", "a1")},
	}

	run := h.runToEnd(t, dag, nil)

	assert.Equal(t, schema.RunFailed, run.Status)
	assert.Equal(t, 1, h.invoker.callCount())
}

func TestExecutor_ErrorEdgeHandlesFailure(t *testing.T) {
	h := newHarness(t, func(req catalog.InvokeRequest) (*catalog.InvokeResult, error) {
		if req.Action == "create_issue" {
			return nil, schema.NewError(schema.ErrCodeNonRetryable, "bad request")
		}
		return &catalog.InvokeResult{Result: map[string]any{"ok": true}}, nil
	})
	dag := &schema.DAG{
		WorkflowID: "wf-onerror", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			action("a1", "github", "create_issue"),
			action("a2", "slack", "post_message"),
		},
		Edges: []schema.Edge{
			edge("t1", "a1"),
			{ID: "e_a1_a2", Source: "a1", Target: "a2", When: schema.WhenError},
		},
	}

	run := h.runToEnd(t, dag, nil)

	assert.Equal(t, schema.RunSuccess, run.Status)
	assert.Equal(t, schema.NodeError, h.nodeStatus(t, run.RunID, "a1"))
	assert.Equal(t, schema.NodeDone, h.nodeStatus(t, run.RunID, "a2"))
}

func TestExecutor_GatewayIfSelectsFirstTrueBranch(t *testing.T) {
	h := newHarness(t, nil)
	dag := &schema.DAG{
		WorkflowID: "wf-if", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			{ID: "g1", Type: schema.NodeGatewayIf, Data: schema.NodeData{
				Branches: []schema.Branch{
					{Name: "high", Expr: `inputs.priority == "high"`, To: "a_page"},
					{Name: "low", Expr: `inputs.priority == "low"`, To: "a_log"},
				},
				ElseTo: "a_log",
			}},
			action("a_page", "pagerduty", "page"),
			action("a_log", "slack", "post_message"),
		},
		Edges: []schema.Edge{
			edge("t1", "g1"),
			edge("g1", "a_page"),
			edge("g1", "a_log"),
		},
	}

	run := h.runToEnd(t, dag, map[string]any{"priority": "high"})

	assert.Equal(t, schema.RunSuccess, run.Status)
	assert.Len(t, h.invoker.callsFor("page"), 1)
	assert.Empty(t, h.invoker.callsFor("post_message"))
	assert.Contains(t, h.eventTypes(t, run.RunID), schema.EventBranchSelected)
}

func TestExecutor_GatewaySwitchFallsBackToDefault(t *testing.T) {
	h := newHarness(t, nil)
	dag := &schema.DAG{
		WorkflowID: "wf-switch", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			{ID: "g1", Type: schema.NodeGatewaySwitch, Data: schema.NodeData{
				Selector: "inputs.env",
				Cases: []schema.SwitchCase{
					{Value: "prod", To: "a_prod"},
					{Value: "staging", To: "a_stage"},
				},
				DefaultTo: "a_dev",
			}},
			action("a_prod", "deploy", "prod"),
			action("a_stage", "deploy", "staging"),
			action("a_dev", "deploy", "dev"),
		},
		Edges: []schema.Edge{
			edge("t1", "g1"),
			edge("g1", "a_prod"), edge("g1", "a_stage"), edge("g1", "a_dev"),
		},
	}

	run := h.runToEnd(t, dag, map[string]any{"env": "qa"})

	assert.Equal(t, schema.RunSuccess, run.Status)
	assert.Len(t, h.invoker.callsFor("dev"), 1)
	assert.Empty(t, h.invoker.callsFor("prod"))
}

func TestExecutor_ParallelJoinAllWaitsForBothBranches(t *testing.T) {
	h := newHarness(t, nil)
	dag := &schema.DAG{
		WorkflowID: "wf-join", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			{ID: "par1", Type: schema.NodeParallel},
			action("a1", "github", "create_issue"),
			action("a2", "slack", "post_message"),
			{ID: "join1", Type: schema.NodeJoin, Data: schema.NodeData{Mode: schema.JoinAll}},
			action("a3", "email", "send"),
		},
		Edges: []schema.Edge{
			edge("t1", "par1"),
			edge("par1", "a1"), edge("par1", "a2"),
			edge("a1", "join1"), edge("a2", "join1"),
			edge("join1", "a3"),
		},
	}

	run := h.runToEnd(t, dag, nil)

	assert.Equal(t, schema.RunSuccess, run.Status)
	assert.Len(t, h.invoker.callsFor("send"), 1)

	count, err := h.store.CountJoinArrivals(context.Background(), run.RunID, "join1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Contains(t, h.eventTypes(t, run.RunID), schema.EventJoinSatisfied)
}

func TestExecutor_BranchFailureSkipsUnreachedNodes(t *testing.T) {
	h := newHarness(t, func(req catalog.InvokeRequest) (*catalog.InvokeResult, error) {
		if req.Action == "post_message" {
			return nil, schema.NewError(schema.ErrCodeNonRetryable, "channel is archived")
		}
		return &catalog.InvokeResult{Result: map[string]any{"ok": true}}, nil
	})
	dag := &schema.DAG{
		WorkflowID: "wf-branchfail", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			{ID: "par1", Type: schema.NodeParallel},
			action("a1", "github", "create_issue"),
			action("a2", "slack", "post_message"),
			{ID: "join1", Type: schema.NodeJoin, Data: schema.NodeData{Mode: schema.JoinAll}},
			action("a3", "email", "send"),
		},
		Edges: []schema.Edge{
			edge("t1", "par1"),
			edge("par1", "a1"), edge("par1", "a2"),
			edge("a1", "join1"), edge("a2", "join1"),
			edge("join1", "a3"),
		},
	}

	run := h.runToEnd(t, dag, nil)

	assert.Equal(t, schema.RunFailed, run.Status)
	assert.Empty(t, h.invoker.callsFor("send"))
	assert.Equal(t, schema.NodeDone, h.nodeStatus(t, run.RunID, "a1"))
	assert.Equal(t, schema.NodeError, h.nodeStatus(t, run.RunID, "a2"))
	assert.Equal(t, schema.NodeError, h.nodeStatus(t, run.RunID, "join1"))
	assert.Equal(t, schema.NodeSkipped, h.nodeStatus(t, run.RunID, "a3"))
}

func TestExecutor_JoinAnyFiresOnFirstArrival(t *testing.T) {
	h := newHarness(t, nil)
	dag := &schema.DAG{
		WorkflowID: "wf-joinany", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			{ID: "par1", Type: schema.NodeParallel},
			action("a1", "github", "create_issue"),
			action("a2", "slack", "post_message"),
			{ID: "join1", Type: schema.NodeJoin, Data: schema.NodeData{Mode: schema.JoinAny}},
			action("a3", "email", "send"),
		},
		Edges: []schema.Edge{
			edge("t1", "par1"),
			edge("par1", "a1"), edge("par1", "a2"),
			edge("a1", "join1"), edge("a2", "join1"),
			edge("join1", "a3"),
		},
	}

	run := h.runToEnd(t, dag, nil)

	assert.Equal(t, schema.RunSuccess, run.Status)
	assert.Len(t, h.invoker.callsFor("send"), 1)
}

func TestExecutor_JoinDeadlockFailsRun(t *testing.T) {
	h := newHarness(t, nil)
	dag := &schema.DAG{
		WorkflowID: "wf-deadlock", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			{ID: "par1", Type: schema.NodeParallel},
			action("a1", "github", "create_issue"),
			action("a2", "slack", "post_message"),
			{ID: "join1", Type: schema.NodeJoin, Data: schema.NodeData{Mode: schema.JoinAll}},
		},
		Edges: []schema.Edge{
			edge("t1", "par1"),
			edge("par1", "a1"),
			{ID: "e_par1_a2", Source: "par1", Target: "a2", Condition: "false"},
			edge("a1", "join1"), edge("a2", "join1"),
		},
	}

	run := h.runToEnd(t, dag, nil)

	assert.Equal(t, schema.RunFailed, run.Status)
	assert.Contains(t, h.eventTypes(t, run.RunID), schema.EventJoinDeadlock)
	assert.Equal(t, schema.NodeError, h.nodeStatus(t, run.RunID, "join1"))
}

func TestExecutor_LoopWhileIteratesUntilConditionFalse(t *testing.T) {
	fetches := 0
	h := newHarness(t, func(req catalog.InvokeRequest) (*catalog.InvokeResult, error) {
		switch req.Action {
		case "get_cursor":
			return &catalog.InvokeResult{Result: map[string]any{"cursor": 0.0}}, nil
		case "list_issues":
			fetches++
			return &catalog.InvokeResult{Result: map[string]any{"cursor": float64(fetches)}}, nil
		}
		return &catalog.InvokeResult{Result: map[string]any{"ok": true}}, nil
	})
	dag := &schema.DAG{
		WorkflowID: "wf-while", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			action("a_init", "github", "get_cursor", func(d *schema.NodeData) {
				d.OutputVars = map[string]string{"cursor": ".cursor"}
			}),
			{ID: "loop1", Type: schema.NodeLoopWhile, Data: schema.NodeData{
				Condition:     "vars.cursor < 3",
				BodyStart:     "a_fetch",
				MaxIterations: 10,
			}},
			action("a_fetch", "github", "list_issues", func(d *schema.NodeData) {
				d.OutputVars = map[string]string{"cursor": ".cursor"}
				d.InputTemplate = map[string]any{"cursor": "${{vars.cursor}}"}
			}),
			action("a_done", "slack", "post_message"),
		},
		Edges: []schema.Edge{
			edge("t1", "a_init"),
			edge("a_init", "loop1"),
			edge("loop1", "a_fetch"),
			edge("a_fetch", "loop1"),
			edge("loop1", "a_done"),
		},
	}

	run := h.runToEnd(t, dag, nil)

	assert.Equal(t, schema.RunSuccess, run.Status)
	assert.Len(t, h.invoker.callsFor("list_issues"), 3)
	assert.Len(t, h.invoker.callsFor("post_message"), 1)
	assert.Contains(t, h.eventTypes(t, run.RunID), schema.EventLoopCompleted)
}

func TestExecutor_LoopWhileLimitFailsRun(t *testing.T) {
	h := newHarness(t, nil)
	dag := &schema.DAG{
		WorkflowID: "wf-looplimit", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			{ID: "loop1", Type: schema.NodeLoopWhile, Data: schema.NodeData{
				Condition:     "true",
				BodyStart:     "a_body",
				MaxIterations: 2,
			}},
			action("a_body", "github", "list_issues"),
		},
		Edges: []schema.Edge{
			edge("t1", "loop1"),
			edge("loop1", "a_body"),
			edge("a_body", "loop1"),
		},
	}

	run := h.runToEnd(t, dag, nil)

	assert.Equal(t, schema.RunFailed, run.Status)
	// Iteration 2 renders identical arguments and replays the cached
	// result instead of invoking again.
	assert.Len(t, h.invoker.callsFor("list_issues"), 1)

	ex, err := h.store.GetNodeExecution(context.Background(), run.RunID, "loop1")
	require.NoError(t, err)
	assert.Contains(t, ex.Error, "LOOP_LIMIT")
}

func TestExecutor_ForeachFansOutPerItem(t *testing.T) {
	h := newHarness(t, nil)
	dag := &schema.DAG{
		WorkflowID: "wf-foreach", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			{ID: "loop1", Type: schema.NodeLoopForeach, Data: schema.NodeData{
				SourceArrayExpr: "inputs.repos",
				ItemVar:         "repo",
				BodyStart:       "a_star",
				MaxConcurrency:  2,
			}},
			action("a_star", "github", "star_repo", func(d *schema.NodeData) {
				d.InputTemplate = map[string]any{"repo": "${{vars.repo}}"}
			}),
			action("a_done", "slack", "post_message"),
		},
		Edges: []schema.Edge{
			edge("t1", "loop1"),
			edge("loop1", "a_star"),
			edge("loop1", "a_done"),
		},
	}

	run := h.runToEnd(t, dag, map[string]any{
		"repos": []any{"org/a", "org/b", "org/c"},
	})

	assert.Equal(t, schema.RunSuccess, run.Status)
	stars := h.invoker.callsFor("star_repo")
	require.Len(t, stars, 3)
	repos := map[any]bool{}
	for _, call := range stars {
		repos[call.Arguments["repo"]] = true
	}
	assert.Len(t, repos, 3)
	assert.Contains(t, h.eventTypes(t, run.RunID), schema.EventFanoutStarted)
}

func TestExecutor_ForeachEmptySourceCompletesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	dag := &schema.DAG{
		WorkflowID: "wf-foreach-empty", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			{ID: "loop1", Type: schema.NodeLoopForeach, Data: schema.NodeData{
				SourceArrayExpr: "inputs.repos",
				BodyStart:       "a_star",
			}},
			action("a_star", "github", "star_repo"),
			action("a_done", "slack", "post_message"),
		},
		Edges: []schema.Edge{
			edge("t1", "loop1"),
			edge("loop1", "a_star"),
			edge("loop1", "a_done"),
		},
	}

	run := h.runToEnd(t, dag, map[string]any{"repos": []any{}})

	assert.Equal(t, schema.RunSuccess, run.Status)
	assert.Empty(t, h.invoker.callsFor("star_repo"))
	assert.Len(t, h.invoker.callsFor("post_message"), 1)
}

func TestExecutor_CachedResultSkipsInvocation(t *testing.T) {
	h := newHarness(t, nil)
	dag := &schema.DAG{
		WorkflowID: "wf-cache", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			action("a1", "github", "create_issue"),
		},
		Edges: []schema.Edge{edge("t1", "a1")},
	}
	h.put(t, dag)

	run, err := h.exec.Activate(context.Background(), &schema.Activation{
		WorkflowID: dag.WorkflowID, Version: 1, Source: schema.SourceManual,
	})
	require.NoError(t, err)

	// Pre-seed the cache under the key this run's action will derive.
	key := idempotency.NodeKey(run.RunID, "a1", map[string]any{})
	require.NoError(t, h.exec.cache.Set(context.Background(), key,
		json.RawMessage(`{"cached":true}`), time.Minute))

	h.exec.Wait()

	final, err := h.store.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, final.Status)
	if h.invoker.callCount() == 0 {
		assert.Contains(t, h.eventTypes(t, run.RunID), schema.EventNodeCached)
	}
}

func TestExecutor_CancelRunStopsDispatch(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, func(req catalog.InvokeRequest) (*catalog.InvokeResult, error) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		return &catalog.InvokeResult{Result: map[string]any{"ok": true}}, nil
	})
	dag := &schema.DAG{
		WorkflowID: "wf-cancel", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			action("a1", "github", "create_issue"),
			action("a2", "slack", "post_message"),
		},
		Edges: []schema.Edge{edge("t1", "a1"), edge("a1", "a2")},
	}
	h.put(t, dag)

	run, err := h.exec.Activate(context.Background(), &schema.Activation{
		WorkflowID: dag.WorkflowID, Version: 1, Source: schema.SourceManual,
	})
	require.NoError(t, err)

	<-started
	assert.True(t, h.exec.CancelRun(run.RunID))
	h.exec.Wait()

	final, err := h.store.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunFailed, final.Status)
	assert.Contains(t, h.eventTypes(t, run.RunID), schema.EventRunCancelled)
	assert.Empty(t, h.invoker.callsFor("post_message"))
}

func TestExecutor_RunDeadlineFailsRun(t *testing.T) {
	h := newHarness(t, func(req catalog.InvokeRequest) (*catalog.InvokeResult, error) {
		time.Sleep(100 * time.Millisecond)
		return &catalog.InvokeResult{Result: map[string]any{"ok": true}}, nil
	})
	dag := &schema.DAG{
		WorkflowID: "wf-deadline", Version: 1,
		Globals:    &schema.Globals{TimeoutMs: 20},
		Nodes: []schema.Node{
			trigger("t1"),
			action("a1", "github", "create_issue"),
			action("a2", "slack", "post_message"),
		},
		Edges: []schema.Edge{edge("t1", "a1"), edge("a1", "a2")},
	}

	run := h.runToEnd(t, dag, nil)

	assert.Equal(t, schema.RunFailed, run.Status)
	assert.Contains(t, h.eventTypes(t, run.RunID), schema.EventRunCancelled)
}

func TestExecutor_ActivateUnknownWorkflowFails(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.exec.Activate(context.Background(), &schema.Activation{
		WorkflowID: "missing", Version: 1, Source: schema.SourceManual,
	})
	require.Error(t, err)
}

func TestExecutor_ActivateEventDiscardsUnboundTrigger(t *testing.T) {
	h := newHarness(t, nil)
	run, err := h.exec.ActivateEvent(context.Background(), "no-such-binding", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestExecutor_ActivateEventResolvesBinding(t *testing.T) {
	h := newHarness(t, nil)
	instanceID := "ti-" + t.Name()
	dag := &schema.DAG{
		WorkflowID: "wf-event", Version: 1,
		Nodes: []schema.Node{
			{ID: "t1", Type: schema.NodeTrigger, Data: schema.NodeData{
				Kind:              schema.TriggerEventBased,
				TriggerInstanceID: instanceID,
			}},
			action("a1", "slack", "post_message", func(d *schema.NodeData) {
				d.InputTemplate = map[string]any{"text": "${{inputs.title}}"}
			}),
		},
		Edges: []schema.Edge{edge("t1", "a1")},
	}
	h.put(t, dag)

	run, err := h.exec.ActivateEvent(context.Background(), instanceID, map[string]any{"title": "hello"})
	require.NoError(t, err)
	require.NotNil(t, run)
	h.exec.Wait()

	final, err := h.store.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, final.Status)
	assert.Equal(t, schema.SourceEvent, final.Source)

	posts := h.invoker.callsFor("post_message")
	require.Len(t, posts, 1)
	assert.Equal(t, "hello", posts[0].Arguments["text"])
}

func TestExecutor_RecoverRunsResumesInterruptedRun(t *testing.T) {
	h := newHarness(t, nil)
	dag := &schema.DAG{
		WorkflowID: "wf-recover", Version: 1,
		Nodes: []schema.Node{
			trigger("t1"),
			action("a1", "github", "create_issue"),
			action("a2", "slack", "post_message"),
		},
		Edges: []schema.Edge{edge("t1", "a1"), edge("a1", "a2")},
	}
	h.put(t, dag)
	ctx := context.Background()

	// Simulate a crash after a1 completed: run still RUNNING, a2 never
	// dispatched.
	run := &schema.Run{
		RunID: "run-recover", WorkflowID: dag.WorkflowID, Version: 1,
		UserID: "user-1", Status: schema.RunRunning, Source: schema.SourceManual,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, h.store.CreateRun(ctx, run))
	now := time.Now().UTC()
	require.NoError(t, h.store.UpsertNodeExecution(ctx, &schema.NodeExecution{
		RunID: run.RunID, NodeID: "t1", Attempt: 1,
		Status: schema.NodeSkipped, StartedAt: now,
	}))
	require.NoError(t, h.store.UpsertNodeExecution(ctx, &schema.NodeExecution{
		RunID: run.RunID, NodeID: "a1", Attempt: 1,
		Status: schema.NodeDone, OutputRef: `{"ok":true}`,
		StartedAt: now, FinishedAt: &now,
	}))

	resumed, err := h.exec.RecoverRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	h.exec.Wait()

	final, err := h.store.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunSuccess, final.Status)
	assert.Len(t, h.invoker.callsFor("post_message"), 1)
	assert.Empty(t, h.invoker.callsFor("create_issue"))
	assert.Contains(t, h.eventTypes(t, run.RunID), schema.EventRunResumed)
}
