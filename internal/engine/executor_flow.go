package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rendis/flowplane/internal/catalog"
	"github.com/rendis/flowplane/internal/expressions"
	"github.com/rendis/flowplane/internal/idempotency"
	"github.com/rendis/flowplane/pkg/schema"
)

const defaultForeachConcurrency = 5

// work is one ready-queue entry: a node to dispatch and the node whose
// completion enqueued it.
type work struct {
	node string
	from string
}

// runState is the in-memory state of one run. Dispatch over it is
// single-threaded; only foreach shards fan out, on isolated scopes.
type runState struct {
	run     *schema.Run
	dag     *schema.DAG
	trigger string
	scope   *expressions.ScopeBuilder

	queue    []work
	statuses map[string]schema.NodeStatus
	attempts map[string]int
	loopIter map[string]int

	outgoing map[string][]schema.Edge
	inDegree map[string]int

	waitingJoins    map[string]bool
	requiredFailure bool
	cancelled       bool
	cancelReason    string
	resumed         bool
}

func newRunState(run *schema.Run, dag *schema.DAG, triggerID string, inputs map[string]any) *runState {
	globals := map[string]any{}
	if dag.Globals != nil {
		if raw, err := json.Marshal(dag.Globals); err == nil {
			_ = json.Unmarshal(raw, &globals)
		}
	}

	rs := &runState{
		run:          run,
		dag:          dag,
		trigger:      triggerID,
		scope:        expressions.NewScopeBuilder(inputs, globals),
		statuses:     make(map[string]schema.NodeStatus, len(dag.Nodes)),
		attempts:     make(map[string]int),
		loopIter:     make(map[string]int),
		outgoing:     make(map[string][]schema.Edge),
		inDegree:     make(map[string]int),
		waitingJoins: make(map[string]bool),
	}
	for _, n := range dag.Nodes {
		rs.statuses[n.ID] = schema.NodePending
	}
	for _, edge := range dag.Edges {
		rs.outgoing[edge.Source] = append(rs.outgoing[edge.Source], edge)
		rs.inDegree[edge.Target]++
	}
	return rs
}

func (rs *runState) enqueue(node, from string) {
	rs.queue = append(rs.queue, work{node: node, from: from})
}

// executeRun owns one run from activation to finalization.
func (e *Executor) executeRun(ctx context.Context, rs *runState) {
	lock, ok, err := e.locker.Acquire(ctx, "run:"+rs.run.RunID)
	if err != nil {
		e.logger.Error("run lock acquire failed", "run_id", rs.run.RunID, "error", err)
		return
	}
	if !ok {
		e.logger.Info("run owned by another instance", "run_id", rs.run.RunID)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if rs.dag.Globals != nil && rs.dag.Globals.TimeoutMs > 0 {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithTimeout(ctx, time.Duration(rs.dag.Globals.TimeoutMs)*time.Millisecond)
		defer cancelDeadline()
	}

	var renewWG sync.WaitGroup
	renewWG.Add(1)
	go func() {
		defer renewWG.Done()
		ticker := time.NewTicker(e.config.LockRenewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lock.Renew(context.WithoutCancel(ctx)); err != nil {
					e.logger.Error("run lock lost, stopping", "run_id", rs.run.RunID, "error", err)
					cancel()
					return
				}
			}
		}
	}()
	defer func() {
		cancel()
		renewWG.Wait()
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("run lock release failed", "run_id", rs.run.RunID, "error", err)
		}
	}()

	if !rs.resumed {
		e.emit(ctx, rs, schema.EventRunStarted, "", 0, map[string]any{
			"workflow_id": rs.run.WorkflowID,
			"version":     rs.run.Version,
			"source":      string(rs.run.Source),
		})
		e.seedPending(ctx, rs)
	}

	if rs.trigger != "" {
		e.skipTrigger(ctx, rs)
	}

	e.drainQueue(ctx, rs)
	e.finalize(ctx, rs)
}

// seedPending writes a first-attempt PENDING row for every DAG node so
// each one holds a node_executions row from the start. Reached nodes
// overwrite their row as they dispatch; rows still PENDING when the run
// closes are marked SKIPPED by FinalizeRun.
func (e *Executor) seedPending(ctx context.Context, rs *runState) {
	for _, n := range rs.dag.Nodes {
		e.persistNode(ctx, rs, n.ID, 1, schema.NodePending, "", "", false)
	}
}

// skipTrigger marks the entry trigger SKIPPED and seeds the ready queue
// with its successors.
func (e *Executor) skipTrigger(ctx context.Context, rs *runState) {
	e.transition(rs, rs.trigger, schema.NodeSkipped)
	e.persistNode(ctx, rs, rs.trigger, 1, schema.NodeSkipped, "", "", false)
	e.emit(ctx, rs, schema.EventNodeSkipped, rs.trigger, 1, nil)
	e.routeFrom(ctx, rs, rs.trigger, schema.NodeDone)
}

// drainQueue dispatches until no work remains. Deadlocked joins are failed
// at drain time, which may route error edges and refill the queue.
func (e *Executor) drainQueue(ctx context.Context, rs *runState) {
	for {
		for len(rs.queue) > 0 {
			if err := ctx.Err(); err != nil {
				rs.cancelled = true
				if err == context.DeadlineExceeded {
					rs.cancelReason = "timeout"
				} else {
					rs.cancelReason = "cancelled"
				}
				return
			}
			w := rs.queue[0]
			rs.queue = rs.queue[1:]
			e.dispatch(ctx, rs, w)
		}
		if !e.failDeadlockedJoins(ctx, rs) || len(rs.queue) == 0 {
			return
		}
	}
}

func (e *Executor) dispatch(ctx context.Context, rs *runState, w work) {
	node := rs.dag.FindNode(w.node)
	if node == nil {
		e.logger.Error("edge targets unknown node", "run_id", rs.run.RunID, "node_id", w.node)
		rs.requiredFailure = true
		return
	}
	if node.Type != schema.NodeJoin && rs.statuses[node.ID].Final() {
		return
	}

	switch node.Type {
	case schema.NodeTrigger:
		// Secondary triggers are inert within a run.
		e.transition(rs, node.ID, schema.NodeSkipped)
		e.persistNode(ctx, rs, node.ID, 1, schema.NodeSkipped, "", "", false)
	case schema.NodeAction:
		e.dispatchAction(ctx, rs, node)
	case schema.NodeGatewayIf:
		e.dispatchGatewayIf(ctx, rs, node)
	case schema.NodeGatewaySwitch:
		e.dispatchGatewaySwitch(ctx, rs, node)
	case schema.NodeParallel:
		e.markDone(ctx, rs, node.ID, 1)
		e.routeFrom(ctx, rs, node.ID, schema.NodeDone)
	case schema.NodeJoin:
		e.dispatchJoin(ctx, rs, node, w.from)
	case schema.NodeLoopWhile:
		e.dispatchLoopWhile(ctx, rs, node)
	case schema.NodeLoopForeach:
		e.dispatchLoopForeach(ctx, rs, node)
	default:
		e.failNode(ctx, rs, node.ID, 1,
			schema.NewErrorf(schema.ErrCodeValidation, "unknown node type %q", node.Type).WithNode(node.ID))
	}
}

// routeFrom enqueues every successor whose edge gate matches the source's
// final status and whose condition evaluates true. Returns how many edges
// fired.
func (e *Executor) routeFrom(ctx context.Context, rs *runState, nodeID string, final schema.NodeStatus) int {
	fired := 0
	for _, edge := range rs.outgoing[nodeID] {
		if !edgeGateMatches(edge, final) {
			continue
		}
		if edge.Condition != "" {
			pass, err := e.eval.EvalCondition(ctx, edge.Condition, rs.scope)
			if err != nil {
				e.logger.Error("edge condition failed", "run_id", rs.run.RunID, "edge_id", edge.ID, "error", err)
				continue
			}
			if !pass {
				continue
			}
		}
		rs.enqueue(edge.Target, nodeID)
		fired++
	}
	return fired
}

func edgeGateMatches(edge schema.Edge, final schema.NodeStatus) bool {
	switch edge.EffectiveWhen() {
	case schema.WhenAlways:
		return true
	case schema.WhenSuccess:
		return final == schema.NodeDone
	case schema.WhenError:
		return final == schema.NodeError
	}
	return false
}

// --- action ---

func (e *Executor) dispatchAction(ctx context.Context, rs *runState, node *schema.Node) {
	startAttempt := rs.attempts[node.ID] + 1
	result, cached, attempt, err := e.invokeAction(ctx, rs, node, rs.scope, node.ID, startAttempt)
	rs.attempts[node.ID] = attempt
	if err == nil {
		err = e.applyActionResult(ctx, rs.scope, node, result)
	}
	if err != nil {
		e.failNode(ctx, rs, node.ID, attempt, err)
		if e.routeFrom(ctx, rs, node.ID, schema.NodeError) == 0 {
			rs.requiredFailure = true
		}
		return
	}
	if rs.statuses[node.ID] == schema.NodePending {
		e.transition(rs, node.ID, schema.NodeRunning)
	}
	e.transition(rs, node.ID, schema.NodeDone)
	if cached {
		e.emit(ctx, rs, schema.EventNodeCached, node.ID, attempt, nil)
	} else {
		e.emit(ctx, rs, schema.EventNodeCompleted, node.ID, attempt, nil)
	}
	e.routeFrom(ctx, rs, node.ID, schema.NodeDone)
}

// invokeAction renders arguments, consults the idempotency cache, and
// invokes with per-policy retries. persistID is the node_executions key,
// which differs from node.ID for foreach shards. The final node execution
// row is written here; events for shards are also emitted here, while the
// main path emits its terminal event in dispatchAction.
func (e *Executor) invokeAction(ctx context.Context, rs *runState, node *schema.Node, scope *expressions.ScopeBuilder, persistID string, startAttempt int) (map[string]any, bool, int, error) {
	rendered, err := e.interp.RenderTemplate(node.Data.InputTemplate, scope)
	if err != nil {
		return nil, false, startAttempt, schema.NewError(schema.ErrCodeExpression, "rendering action arguments failed").
			WithNode(node.ID).WithCause(err)
	}

	idemKey := idempotency.NodeKey(rs.run.RunID, persistID, rendered)
	if cachedRaw, hit, cerr := e.cache.Get(ctx, idemKey); cerr == nil && hit {
		var result map[string]any
		if err := json.Unmarshal(cachedRaw, &result); err == nil {
			e.persistNodeKeyed(ctx, rs, persistID, startAttempt, schema.NodeDone, string(cachedRaw), "", idemKey, true)
			return result, true, startAttempt, nil
		}
	} else if cerr != nil {
		e.logger.Warn("idempotency cache read failed", "run_id", rs.run.RunID, "node_id", persistID, "error", cerr)
	}

	policy := rs.dag.ActionRetry(node)
	retries := 0
	if policy != nil {
		retries = policy.Retries
	}
	timeoutMs := rs.dag.ActionTimeoutMs(node)

	req := catalog.InvokeRequest{
		Tool:           node.Data.Tool,
		Action:         node.Data.Action,
		ConnectionID:   node.Data.ConnectionID,
		Arguments:      rendered,
		TimeoutMs:      timeoutMs,
		IdempotencyKey: idemKey,
	}

	var lastErr error
	attempt := startAttempt
	for ; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, false, attempt, cancellationError(err).WithNode(node.ID)
		}
		e.persistNodeKeyed(ctx, rs, persistID, attempt, schema.NodeRunning, "", "", idemKey, false)
		e.emit(ctx, rs, transitionEvent(schema.NodeRunning, attempt), persistID, attempt, nil)

		result, invErr := e.invoker.Invoke(ctx, req)
		if invErr == nil {
			raw, merr := json.Marshal(result.Result)
			if merr != nil {
				raw = []byte("{}")
			}
			if cerr := e.cache.Set(ctx, idemKey, raw, e.config.CacheTTL); cerr != nil {
				e.logger.Warn("idempotency cache write failed", "run_id", rs.run.RunID, "node_id", persistID, "error", cerr)
			}
			e.persistNodeKeyed(ctx, rs, persistID, attempt, schema.NodeDone, string(raw), "", idemKey, true)
			return result.Result, false, attempt, nil
		}

		lastErr = invErr
		exhausted := attempt-startAttempt >= retries
		if !IsRetryableError(invErr) || exhausted {
			break
		}

		delay := ComputeBackoff(policy, attempt-startAttempt+1, e.config.MaxRetryDelay)
		e.emit(ctx, rs, schema.EventNodeRetrying, persistID, attempt+1, map[string]any{
			"delay_ms": delay.Milliseconds(),
			"error":    invErr.Error(),
		})
		if err := WaitForBackoff(ctx, delay); err != nil {
			return nil, false, attempt, err
		}
	}

	if retries > 0 && IsRetryableError(lastErr) {
		return nil, false, attempt, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"action %s.%s failed after %d attempts", node.Data.Tool, node.Data.Action, retries+1).
			WithNode(node.ID).WithCause(lastErr)
	}
	return nil, false, attempt, lastErr
}

// applyActionResult folds an action's result into the run scope.
func (e *Executor) applyActionResult(ctx context.Context, scope *expressions.ScopeBuilder, node *schema.Node, result map[string]any) error {
	scope.AddNodeOutput(node.ID, result)
	vars, err := e.eval.ExtractOutputVars(ctx, node.Data.OutputVars, result)
	if err != nil {
		return schema.NewError(schema.ErrCodeExpression, "extracting output vars failed").
			WithNode(node.ID).WithCause(err)
	}
	for name, value := range vars {
		scope.SetVar(name, value)
	}
	return nil
}

// --- gateways ---

func (e *Executor) dispatchGatewayIf(ctx context.Context, rs *runState, node *schema.Node) {
	for _, branch := range node.Data.Branches {
		pass, err := e.eval.EvalCondition(ctx, branch.Expr, rs.scope)
		if err != nil {
			e.failNode(ctx, rs, node.ID, 1,
				schema.NewErrorf(schema.ErrCodeExpression, "branch %q condition failed", branch.Name).
					WithNode(node.ID).WithCause(err))
			if e.routeFrom(ctx, rs, node.ID, schema.NodeError) == 0 {
				rs.requiredFailure = true
			}
			return
		}
		if pass {
			e.selectBranch(ctx, rs, node.ID, branch.Name, branch.To)
			return
		}
	}
	e.selectBranch(ctx, rs, node.ID, "else", node.Data.ElseTo)
}

func (e *Executor) dispatchGatewaySwitch(ctx context.Context, rs *runState, node *schema.Node) {
	value, err := e.eval.EvalValue(ctx, node.Data.Selector, rs.scope)
	if err != nil {
		e.failNode(ctx, rs, node.ID, 1,
			schema.NewError(schema.ErrCodeExpression, "switch selector failed").
				WithNode(node.ID).WithCause(err))
		if e.routeFrom(ctx, rs, node.ID, schema.NodeError) == 0 {
			rs.requiredFailure = true
		}
		return
	}
	for _, c := range node.Data.Cases {
		if jsonEqual(value, c.Value) {
			e.selectBranch(ctx, rs, node.ID, fmt.Sprintf("case:%v", c.Value), c.To)
			return
		}
	}
	e.selectBranch(ctx, rs, node.ID, "default", node.Data.DefaultTo)
}

// selectBranch finishes a gateway. An empty target is a valid dead end:
// the gateway completes and nothing downstream is enqueued.
func (e *Executor) selectBranch(ctx context.Context, rs *runState, nodeID, branch, target string) {
	e.markDone(ctx, rs, nodeID, 1)
	e.emit(ctx, rs, schema.EventBranchSelected, nodeID, 1, map[string]any{
		"branch": branch,
		"target": target,
	})
	if target != "" {
		rs.enqueue(target, nodeID)
	}
}

func jsonEqual(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ra, rb)
}

// --- join ---

func (e *Executor) dispatchJoin(ctx context.Context, rs *runState, node *schema.Node, from string) {
	if rs.statuses[node.ID].Final() {
		return
	}
	if from != "" {
		first, err := e.store.RecordJoinArrival(ctx, &schema.JoinArrival{
			RunID:      rs.run.RunID,
			JoinNodeID: node.ID,
			FromNodeID: from,
			ArrivedAt:  time.Now().UTC(),
		})
		if err != nil {
			e.logger.Error("recording join arrival failed", "run_id", rs.run.RunID, "node_id", node.ID, "error", err)
		} else if first {
			e.emit(ctx, rs, schema.EventJoinArrival, node.ID, 1, map[string]any{"from": from})
		}
	}

	count, err := e.store.CountJoinArrivals(ctx, rs.run.RunID, node.ID)
	if err != nil {
		e.failNode(ctx, rs, node.ID, 1, schema.NewError(schema.ErrCodeStore, "counting join arrivals failed").
			WithNode(node.ID).WithCause(err))
		rs.requiredFailure = true
		return
	}
	threshold, err := schema.JoinThreshold(node.Data.Mode, rs.inDegree[node.ID])
	if err != nil {
		e.failNode(ctx, rs, node.ID, 1, err)
		rs.requiredFailure = true
		return
	}

	if count < threshold {
		rs.waitingJoins[node.ID] = true
		return
	}
	delete(rs.waitingJoins, node.ID)
	e.markDone(ctx, rs, node.ID, 1)
	e.emit(ctx, rs, schema.EventJoinSatisfied, node.ID, 1, map[string]any{
		"arrivals":  count,
		"threshold": threshold,
	})
	e.routeFrom(ctx, rs, node.ID, schema.NodeDone)
}

// failDeadlockedJoins fails joins still waiting once the queue has
// drained: no further arrival can ever come. Returns true when it failed
// at least one join, which may have routed error edges.
func (e *Executor) failDeadlockedJoins(ctx context.Context, rs *runState) bool {
	if rs.cancelled || len(rs.waitingJoins) == 0 {
		return false
	}
	failed := false
	for joinID := range rs.waitingJoins {
		delete(rs.waitingJoins, joinID)
		failed = true
		e.emit(ctx, rs, schema.EventJoinDeadlock, joinID, 1, nil)
		e.failNode(ctx, rs, joinID, 1,
			schema.NewErrorf(schema.ErrCodeJoinDeadlock, "join %s can no longer be satisfied", joinID).WithNode(joinID))
		if e.routeFrom(ctx, rs, joinID, schema.NodeError) == 0 {
			rs.requiredFailure = true
		}
	}
	return failed
}

// --- loops ---

func (e *Executor) dispatchLoopWhile(ctx context.Context, rs *runState, node *schema.Node) {
	pass, err := e.eval.EvalCondition(ctx, node.Data.Condition, rs.scope)
	if err != nil {
		e.failNode(ctx, rs, node.ID, maxInt(rs.loopIter[node.ID], 1),
			schema.NewError(schema.ErrCodeExpression, "loop condition failed").
				WithNode(node.ID).WithCause(err))
		if e.routeFrom(ctx, rs, node.ID, schema.NodeError) == 0 {
			rs.requiredFailure = true
		}
		return
	}

	if !pass {
		iter := maxInt(rs.loopIter[node.ID], 1)
		e.markDone(ctx, rs, node.ID, iter)
		e.emit(ctx, rs, schema.EventLoopCompleted, node.ID, iter, map[string]any{
			"iterations": rs.loopIter[node.ID],
		})
		e.routeLoopExit(ctx, rs, node)
		return
	}

	limit := node.Data.MaxIterations
	if limit <= 0 {
		limit = 1000
	}
	iter := rs.loopIter[node.ID] + 1
	if iter > limit {
		e.failNode(ctx, rs, node.ID, iter,
			schema.NewErrorf(schema.ErrCodeLoopLimit, "loop %s exceeded %d iterations", node.ID, limit).WithNode(node.ID))
		if e.routeFrom(ctx, rs, node.ID, schema.NodeError) == 0 {
			rs.requiredFailure = true
		}
		return
	}
	rs.loopIter[node.ID] = iter
	e.transition(rs, node.ID, schema.NodeRunning)
	e.persistNode(ctx, rs, node.ID, iter, schema.NodeRunning, "", "", false)
	e.emit(ctx, rs, schema.EventLoopIteration, node.ID, iter, map[string]any{"iteration": iter})

	// Body nodes re-enter on the next iteration; reset them to allow
	// re-dispatch.
	e.resetLoopBody(rs, node)
	rs.enqueue(node.Data.BodyStart, node.ID)
}

// routeLoopExit fires the loop's outgoing edges except the one entering
// its body.
func (e *Executor) routeLoopExit(ctx context.Context, rs *runState, node *schema.Node) {
	for _, edge := range rs.outgoing[node.ID] {
		if edge.Target == node.Data.BodyStart {
			continue
		}
		if !edgeGateMatches(edge, schema.NodeDone) {
			continue
		}
		if edge.Condition != "" {
			pass, err := e.eval.EvalCondition(ctx, edge.Condition, rs.scope)
			if err != nil || !pass {
				continue
			}
		}
		rs.enqueue(edge.Target, node.ID)
	}
}

// resetLoopBody returns body nodes to PENDING so a new iteration can
// dispatch them again. The body is every node reachable from body_start
// without passing through the loop node itself.
func (e *Executor) resetLoopBody(rs *runState, node *schema.Node) {
	seen := map[string]bool{node.ID: true}
	stack := []string{node.Data.BodyStart}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		rs.statuses[id] = schema.NodePending
		for _, edge := range rs.outgoing[id] {
			stack = append(stack, edge.Target)
		}
	}
}

func (e *Executor) dispatchLoopForeach(ctx context.Context, rs *runState, node *schema.Node) {
	items, err := e.eval.EvalArray(ctx, node.Data.SourceArrayExpr, rs.scope)
	if err != nil {
		e.failNode(ctx, rs, node.ID, 1,
			schema.NewError(schema.ErrCodeExpression, "foreach source failed").
				WithNode(node.ID).WithCause(err))
		if e.routeFrom(ctx, rs, node.ID, schema.NodeError) == 0 {
			rs.requiredFailure = true
		}
		return
	}

	if len(items) == 0 {
		e.markDone(ctx, rs, node.ID, 1)
		e.emit(ctx, rs, schema.EventLoopCompleted, node.ID, 1, map[string]any{"iterations": 0})
		e.routeLoopExit(ctx, rs, node)
		return
	}

	maxConc := node.Data.MaxConcurrency
	if maxConc < 1 {
		maxConc = defaultForeachConcurrency
	}
	e.transition(rs, node.ID, schema.NodeRunning)
	e.persistNode(ctx, rs, node.ID, 1, schema.NodeRunning, "", "", false)
	e.emit(ctx, rs, schema.EventFanoutStarted, node.ID, 1, map[string]any{
		"count":           len(items),
		"max_concurrency": maxConc,
	})

	type shardResult struct {
		scope *expressions.ScopeBuilder
		joins map[string]string
		err   error
	}
	results := make([]shardResult, len(items))
	sem := make(chan struct{}, maxConc)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			shard := rs.scope.ForShard(node.Data.ItemVar, node.Data.IndexVar, item, i)
			joins, err := e.runShard(ctx, rs, node, shard, i)
			results[i] = shardResult{scope: shard, joins: joins, err: err}
		}(i, item)
	}
	wg.Wait()

	touchedJoins := map[string]bool{}
	var shardErr error
	for _, res := range results {
		if res.err != nil && shardErr == nil {
			shardErr = res.err
		}
		if res.err == nil {
			rs.scope.MergeShardVars(res.scope)
		}
		for joinID, fromID := range res.joins {
			if _, err := e.store.RecordJoinArrival(ctx, &schema.JoinArrival{
				RunID:      rs.run.RunID,
				JoinNodeID: joinID,
				FromNodeID: fromID,
				ArrivedAt:  time.Now().UTC(),
			}); err != nil {
				e.logger.Error("recording shard join arrival failed", "run_id", rs.run.RunID, "node_id", joinID, "error", err)
			}
			touchedJoins[joinID] = true
		}
	}

	if shardErr != nil {
		e.failNode(ctx, rs, node.ID, 1, schema.NewErrorf(schema.ErrCodeNodeFailed,
			"foreach %s body failed", node.ID).WithNode(node.ID).WithCause(shardErr))
		if e.routeFrom(ctx, rs, node.ID, schema.NodeError) == 0 {
			rs.requiredFailure = true
		}
		return
	}

	e.markDone(ctx, rs, node.ID, 1)
	e.emit(ctx, rs, schema.EventLoopCompleted, node.ID, 1, map[string]any{"iterations": len(items)})
	for joinID := range touchedJoins {
		rs.enqueue(joinID, "")
	}
	e.routeLoopExit(ctx, rs, node)
}

// runShard walks one foreach iteration through the loop body on an
// isolated scope. It stops when it reaches a join (reconvergence) or runs
// out of eligible edges, and reports which joins it arrived at.
func (e *Executor) runShard(ctx context.Context, rs *runState, loop *schema.Node, scope *expressions.ScopeBuilder, index int) (map[string]string, error) {
	joins := map[string]string{}
	current := loop.Data.BodyStart
	prev := loop.ID
	for steps := 0; current != ""; steps++ {
		if steps > len(rs.dag.Nodes)*2 {
			return joins, schema.NewErrorf(schema.ErrCodeExecution, "foreach %s body does not terminate", loop.ID).WithNode(loop.ID)
		}
		if err := ctx.Err(); err != nil {
			return joins, cancellationError(err).WithNode(current)
		}
		node := rs.dag.FindNode(current)
		if node == nil {
			return joins, schema.NewErrorf(schema.ErrCodeValidation, "foreach body references unknown node %q", current).WithNode(loop.ID)
		}

		switch node.Type {
		case schema.NodeJoin:
			joins[node.ID] = fmt.Sprintf("%s#%d", prev, index)
			return joins, nil
		case schema.NodeAction:
			shardID := fmt.Sprintf("%s#%d", node.ID, index)
			result, cached, _, err := e.invokeAction(ctx, rs, node, scope, shardID, 1)
			if err != nil {
				e.emit(ctx, rs, schema.EventNodeFailed, shardID, 1, map[string]any{"error": err.Error()})
				return joins, err
			}
			if cached {
				e.emit(ctx, rs, schema.EventNodeCached, shardID, 1, nil)
			} else {
				e.emit(ctx, rs, schema.EventNodeCompleted, shardID, 1, nil)
			}
			scope.AddNodeOutput(node.ID, result)
			vars, err := e.eval.ExtractOutputVars(ctx, node.Data.OutputVars, result)
			if err != nil {
				return joins, schema.NewError(schema.ErrCodeExpression, "extracting output vars failed").
					WithNode(node.ID).WithCause(err)
			}
			for name, value := range vars {
				scope.SetVar(name, value)
			}
		case schema.NodeGatewayIf:
			target, err := e.shardBranchIf(ctx, node, scope)
			if err != nil {
				return joins, err
			}
			prev = current
			current = target
			continue
		case schema.NodeGatewaySwitch:
			target, err := e.shardBranchSwitch(ctx, node, scope)
			if err != nil {
				return joins, err
			}
			prev = current
			current = target
			continue
		case schema.NodeParallel:
			// Straight-through inside a shard.
		default:
			return joins, schema.NewErrorf(schema.ErrCodeValidation,
				"node type %q not supported inside a foreach body", node.Type).WithNode(node.ID)
		}

		prev = current
		current = e.shardNext(ctx, rs, current, scope)
	}
	return joins, nil
}

func (e *Executor) shardBranchIf(ctx context.Context, node *schema.Node, scope *expressions.ScopeBuilder) (string, error) {
	for _, branch := range node.Data.Branches {
		pass, err := e.eval.EvalCondition(ctx, branch.Expr, scope)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeExpression, "branch %q condition failed", branch.Name).
				WithNode(node.ID).WithCause(err)
		}
		if pass {
			return branch.To, nil
		}
	}
	return node.Data.ElseTo, nil
}

func (e *Executor) shardBranchSwitch(ctx context.Context, node *schema.Node, scope *expressions.ScopeBuilder) (string, error) {
	value, err := e.eval.EvalValue(ctx, node.Data.Selector, scope)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeExpression, "switch selector failed").
			WithNode(node.ID).WithCause(err)
	}
	for _, c := range node.Data.Cases {
		if jsonEqual(value, c.Value) {
			return c.To, nil
		}
	}
	return node.Data.DefaultTo, nil
}

// shardNext follows the single eligible success edge out of a shard node.
func (e *Executor) shardNext(ctx context.Context, rs *runState, nodeID string, scope *expressions.ScopeBuilder) string {
	for _, edge := range rs.outgoing[nodeID] {
		if !edgeGateMatches(edge, schema.NodeDone) {
			continue
		}
		if edge.Condition != "" {
			pass, err := e.eval.EvalCondition(ctx, edge.Condition, scope)
			if err != nil || !pass {
				continue
			}
		}
		return edge.Target
	}
	return ""
}

// --- terminal bookkeeping ---

// transition applies a node status change, logging lifecycle violations.
func (e *Executor) transition(rs *runState, nodeID string, to schema.NodeStatus) {
	if err := ValidateNodeTransition(rs.statuses[nodeID], to); err != nil {
		e.logger.Warn("node lifecycle violation", "run_id", rs.run.RunID, "node_id", nodeID, "error", err)
	}
	rs.statuses[nodeID] = to
}

func (e *Executor) markDone(ctx context.Context, rs *runState, nodeID string, attempt int) {
	if rs.statuses[nodeID] == schema.NodePending {
		e.transition(rs, nodeID, schema.NodeRunning)
	}
	e.transition(rs, nodeID, schema.NodeDone)
	e.persistNode(ctx, rs, nodeID, attempt, schema.NodeDone, "", "", true)
}

func (e *Executor) failNode(ctx context.Context, rs *runState, nodeID string, attempt int, nodeErr error) {
	if rs.statuses[nodeID] == schema.NodePending {
		e.transition(rs, nodeID, schema.NodeRunning)
	}
	e.transition(rs, nodeID, schema.NodeError)
	e.persistNode(ctx, rs, nodeID, attempt, schema.NodeError, "", nodeErr.Error(), true)
	e.emit(ctx, rs, schema.EventNodeFailed, nodeID, attempt, map[string]any{"error": nodeErr.Error()})
	e.logger.Error("node failed", "run_id", rs.run.RunID, "node_id", nodeID, "error", nodeErr)
}

// finalize determines the terminal run status once dispatch has stopped.
func (e *Executor) finalize(ctx context.Context, rs *runState) {
	ctx = context.WithoutCancel(ctx)

	status := schema.RunSuccess
	eventType := schema.EventRunSucceeded
	var payload map[string]any

	switch {
	case rs.cancelled:
		status = schema.RunFailed
		eventType = schema.EventRunCancelled
		payload = map[string]any{"reason": rs.cancelReason}
	case rs.requiredFailure:
		status = schema.RunFailed
		eventType = schema.EventRunFailed
	}

	if err := e.store.FinalizeRun(ctx, rs.run.RunID, status, time.Now().UTC()); err != nil {
		e.logger.Error("finalize failed", "run_id", rs.run.RunID, "error", err)
		return
	}
	rs.run.Status = status
	e.emit(ctx, rs, eventType, "", 0, payload)
}

// persistNode writes one node execution row; failures are logged, not
// fatal, so the in-memory run can still make progress.
func (e *Executor) persistNode(ctx context.Context, rs *runState, nodeID string, attempt int, status schema.NodeStatus, outputRef, errMsg string, finished bool) {
	e.persistNodeKeyed(ctx, rs, nodeID, attempt, status, outputRef, errMsg, "", finished)
}

func (e *Executor) persistNodeKeyed(ctx context.Context, rs *runState, nodeID string, attempt int, status schema.NodeStatus, outputRef, errMsg, idemKey string, finished bool) {
	now := time.Now().UTC()
	exec := &schema.NodeExecution{
		RunID:     rs.run.RunID,
		NodeID:    nodeID,
		Attempt:   attempt,
		Status:    status,
		OutputRef: outputRef,
		Error:     errMsg,
		IdemKey:   idemKey,
		StartedAt: now,
	}
	if finished {
		exec.FinishedAt = &now
	}
	if err := e.store.UpsertNodeExecution(ctx, exec); err != nil {
		e.logger.Error("persisting node execution failed", "run_id", rs.run.RunID, "node_id", nodeID, "error", err)
	}
}

// emit appends one run event and notifies any live subscriber.
func (e *Executor) emit(ctx context.Context, rs *runState, eventType, nodeID string, attempt int, payload map[string]any) {
	event := &schema.RunEvent{
		RunID:     rs.run.RunID,
		Type:      eventType,
		NodeID:    nodeID,
		Attempt:   attempt,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.AppendRunEvent(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Error("appending run event failed", "run_id", rs.run.RunID, "type", eventType, "error", err)
	}
	e.mu.Lock()
	notify := e.notify
	e.mu.Unlock()
	if notify != nil {
		notify(*event)
	}
}

func cancellationError(err error) *schema.FlowError {
	if err == context.DeadlineExceeded {
		return schema.NewError(schema.ErrCodeTimeout, "run deadline exceeded").WithCause(err)
	}
	return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
