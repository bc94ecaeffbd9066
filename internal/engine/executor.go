package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowplane/internal/expressions"
	"github.com/rendis/flowplane/internal/idempotency"
	"github.com/rendis/flowplane/internal/store"
	"github.com/rendis/flowplane/pkg/schema"

	"github.com/rendis/flowplane/internal/catalog"
)

// Config tunes the executor. Zero values fall back to the defaults below.
type Config struct {
	// MaxConcurrentRuns bounds how many runs execute at once.
	MaxConcurrentRuns int
	// MaxRetryDelay caps a single backoff sleep.
	MaxRetryDelay time.Duration
	// CacheTTL is how long action results stay replayable.
	CacheTTL time.Duration
	// LockRenewInterval is how often a run's ownership lock is renewed.
	LockRenewInterval time.Duration
}

const (
	defaultMaxConcurrentRuns = 16
	defaultLockRenew         = 5 * time.Second
)

// Executor drives workflow runs: it activates them from trigger payloads,
// dispatches nodes off a per-run ready queue, and finalizes the run once
// the queue drains.
type Executor struct {
	store   store.Store
	invoker catalog.Invoker
	cache   idempotency.Cache
	eval    *expressions.Evaluator
	interp  *expressions.Interpolator
	locker  Locker
	pool    *WorkerPool
	logger  *slog.Logger
	config  Config

	mu     sync.Mutex
	active map[string]context.CancelFunc
	notify func(schema.RunEvent)
}

// New creates an executor. locker may be nil for single-instance
// deployments.
func New(st store.Store, invoker catalog.Invoker, cache idempotency.Cache, locker Locker, logger *slog.Logger, cfg Config) (*Executor, error) {
	eval, err := expressions.NewEvaluator()
	if err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentRuns < 1 {
		cfg.MaxConcurrentRuns = defaultMaxConcurrentRuns
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = idempotency.DefaultTTL
	}
	if cfg.LockRenewInterval <= 0 {
		cfg.LockRenewInterval = defaultLockRenew
	}
	if locker == nil {
		locker = noopLocker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:   st,
		invoker: invoker,
		cache:   cache,
		eval:    eval,
		interp:  expressions.NewInterpolator(),
		locker:  locker,
		pool:    NewWorkerPool(cfg.MaxConcurrentRuns),
		logger:  logger,
		config:  cfg,
		active:  make(map[string]context.CancelFunc),
	}, nil
}

// SetNotifier installs a hook called for every appended run event. Used to
// feed live event streams.
func (e *Executor) SetNotifier(fn func(schema.RunEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = fn
}

// ActivateEvent resolves an external trigger delivery to its bound
// workflow and starts a run. Deliveries with no binding are discarded and
// return a nil run.
func (e *Executor) ActivateEvent(ctx context.Context, triggerInstanceID string, payload map[string]any) (*schema.Run, error) {
	binding, err := e.store.ResolveTrigger(ctx, triggerInstanceID)
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) && fe.Code == schema.ErrCodeNotFound {
			e.logger.Info("discarding unbound trigger delivery", "trigger_instance_id", triggerInstanceID)
			return nil, nil
		}
		return nil, err
	}
	return e.Activate(ctx, &schema.Activation{
		WorkflowID:    binding.WorkflowID,
		Version:       binding.Version,
		TriggerNodeID: binding.NodeID,
		Payload:       payload,
		Source:        schema.SourceEvent,
	})
}

// Activate creates a run for the given activation and schedules it on the
// worker pool. The returned run is already persisted in RUNNING state.
func (e *Executor) Activate(ctx context.Context, act *schema.Activation) (*schema.Run, error) {
	version, err := e.store.GetWorkflowVersion(ctx, act.WorkflowID, act.Version)
	if err != nil {
		return nil, err
	}
	if version.DAG == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %s v%d has no dag", act.WorkflowID, act.Version)
	}

	trigger, err := resolveTriggerNode(version.DAG, act)
	if err != nil {
		return nil, err
	}

	userID := act.UserID
	if userID == "" {
		userID = version.UserID
	}
	run := &schema.Run{
		RunID:         uuid.New().String(),
		WorkflowID:    act.WorkflowID,
		Version:       act.Version,
		UserID:        userID,
		Status:        schema.RunRunning,
		Source:        act.Source,
		TriggerDigest: idempotency.ArgsDigest(act.Payload),
		StartedAt:     time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	rs := newRunState(run, version.DAG, trigger.ID, act.Payload)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.active[run.RunID] = cancel
	e.mu.Unlock()

	if err := e.pool.Submit(ctx, func() {
		defer e.forget(run.RunID)
		e.executeRun(runCtx, rs)
	}); err != nil {
		e.forget(run.RunID)
		return nil, err
	}
	return run, nil
}

// CancelRun requests cooperative cancellation of an in-flight run. Returns
// false when the run is not executing on this instance.
func (e *Executor) CancelRun(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until all scheduled runs have finished.
func (e *Executor) Wait() {
	e.pool.Wait()
}

// Shutdown stops accepting runs and waits for in-flight ones.
func (e *Executor) Shutdown() {
	e.pool.Shutdown()
}

// Metrics exposes worker pool counters.
func (e *Executor) Metrics() PoolMetrics {
	return e.pool.Metrics()
}

func (e *Executor) forget(runID string) {
	e.mu.Lock()
	if cancel, ok := e.active[runID]; ok {
		cancel()
		delete(e.active, runID)
	}
	e.mu.Unlock()
}

// resolveTriggerNode picks the trigger the activation entered through.
func resolveTriggerNode(dag *schema.DAG, act *schema.Activation) (*schema.Node, error) {
	if act.TriggerNodeID != "" {
		n := dag.FindNode(act.TriggerNodeID)
		if n == nil || n.Type != schema.NodeTrigger {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "activation names unknown trigger node %q", act.TriggerNodeID)
		}
		return n, nil
	}
	triggers := dag.TriggerNodes()
	if len(triggers) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "dag has no trigger node")
	}
	if act.Source == schema.SourceSchedule {
		for i := range triggers {
			if triggers[i].Data.Kind == schema.TriggerScheduleBased {
				return &triggers[i], nil
			}
		}
	}
	return &triggers[0], nil
}

// RecoverRuns resumes runs left in RUNNING state by a previous process.
// Completed node work is replayed from node_executions; interrupted nodes
// are re-dispatched under the same idempotency keys. Returns the number of
// runs resumed.
func (e *Executor) RecoverRuns(ctx context.Context) (int, error) {
	runs, err := e.store.ListRuns(ctx, store.RunFilter{Status: schema.RunRunning})
	if err != nil {
		return 0, err
	}

	resumed := 0
	for i := range runs {
		run := runs[i]
		rs, err := e.rebuildRunState(ctx, run)
		if err != nil {
			e.logger.Error("cannot rebuild run state", "run_id", run.RunID, "error", err)
			continue
		}

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.mu.Lock()
		if _, already := e.active[run.RunID]; already {
			e.mu.Unlock()
			cancel()
			continue
		}
		e.active[run.RunID] = cancel
		e.mu.Unlock()

		runID := run.RunID
		if err := e.pool.Submit(ctx, func() {
			defer e.forget(runID)
			e.emit(runCtx, rs, schema.EventRunResumed, "", 0, nil)
			e.executeRun(runCtx, rs)
		}); err != nil {
			e.forget(runID)
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}

// rebuildRunState reconstructs scope and frontier from persisted node
// executions.
func (e *Executor) rebuildRunState(ctx context.Context, run *schema.Run) (*runState, error) {
	version, err := e.store.GetWorkflowVersion(ctx, run.WorkflowID, run.Version)
	if err != nil {
		return nil, err
	}
	execs, err := e.store.ListNodeExecutions(ctx, run.RunID)
	if err != nil {
		return nil, err
	}

	rs := newRunState(run, version.DAG, "", nil)
	rs.resumed = true
	for _, ex := range execs {
		rs.statuses[ex.NodeID] = ex.Status
		rs.attempts[ex.NodeID] = ex.Attempt
		if ex.Status != schema.NodeDone || ex.OutputRef == "" {
			continue
		}
		node := version.DAG.FindNode(ex.NodeID)
		if node == nil || node.Type != schema.NodeAction {
			continue
		}
		var result map[string]any
		if err := json.Unmarshal([]byte(ex.OutputRef), &result); err != nil {
			continue
		}
		rs.scope.AddNodeOutput(ex.NodeID, result)
		vars, err := e.eval.ExtractOutputVars(ctx, node.Data.OutputVars, result)
		if err != nil {
			continue
		}
		for name, value := range vars {
			rs.scope.SetVar(name, value)
		}
	}

	// Interrupted nodes first so retries reuse their idempotency keys,
	// then any pending successor of completed work.
	seen := map[string]bool{}
	for _, ex := range execs {
		if ex.Status == schema.NodeRunning && !seen[ex.NodeID] {
			seen[ex.NodeID] = true
			rs.queue = append(rs.queue, work{node: ex.NodeID})
		}
	}
	for _, ex := range execs {
		if ex.Status != schema.NodeDone {
			continue
		}
		for _, edge := range rs.outgoing[ex.NodeID] {
			target := edge.Target
			if seen[target] || rs.statuses[target].Final() || rs.statuses[target] == schema.NodeRunning {
				continue
			}
			seen[target] = true
			rs.queue = append(rs.queue, work{node: target, from: ex.NodeID})
		}
	}
	if len(rs.queue) == 0 && len(execs) == 0 {
		// Nothing was dispatched before the crash; restart from the trigger.
		triggers := version.DAG.TriggerNodes()
		if len(triggers) > 0 {
			rs.trigger = triggers[0].ID
		}
	}
	return rs, nil
}
