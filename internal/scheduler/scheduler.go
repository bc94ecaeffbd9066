package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/rendis/flowplane/internal/engine"
	"github.com/rendis/flowplane/internal/idempotency"
	"github.com/rendis/flowplane/internal/store"
	"github.com/rendis/flowplane/pkg/schema"
)

// Activator starts workflow runs. Satisfied by the engine executor.
type Activator interface {
	Activate(ctx context.Context, act *schema.Activation) (*schema.Run, error)
}

// Config tunes the scheduler. Zero values fall back to the defaults
// below.
type Config struct {
	// TickInterval is how often the leader scans for due schedules.
	TickInterval time.Duration
	// Lookahead is how far past now each scan enumerates fire times.
	Lookahead time.Duration
	// MaxCatchupPerTick caps emissions per schedule per tick; the excess
	// carries over to later ticks.
	MaxCatchupPerTick int
	// EnqueueAttempts bounds retries of a failed executor hand-off.
	EnqueueAttempts int

	DefaultOverlapPolicy schema.OverlapPolicy
	DefaultCatchupPolicy schema.CatchupPolicy
	DefaultJitterMs      int64
}

const (
	defaultTickInterval   = time.Second
	defaultLookahead      = time.Minute
	defaultMaxCatchup     = 100
	defaultEnqueueRetries = 3

	leaderLockName = "scheduler:leader"
)

// Scheduler keeps time for schedule-based triggers. A single leader scans
// the schedules table every tick, enumerates due fire times per schedule,
// applies catchup, overlap, and jitter policy, and hands each instant to
// the executor under a deterministic idempotency key.
type Scheduler struct {
	store     store.Store
	activator Activator
	locker    engine.Locker
	logger    *slog.Logger
	config    Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	lease  engine.Lock
	timers sync.WaitGroup
}

// New creates a scheduler. locker may be nil for single-instance
// deployments, in which case this process is always the leader.
func New(st store.Store, activator Activator, locker engine.Locker, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = defaultLookahead
	}
	if cfg.MaxCatchupPerTick <= 0 {
		cfg.MaxCatchupPerTick = defaultMaxCatchup
	}
	if cfg.EnqueueAttempts <= 0 {
		cfg.EnqueueAttempts = defaultEnqueueRetries
	}
	if cfg.DefaultOverlapPolicy == "" {
		cfg.DefaultOverlapPolicy = schema.OverlapAllow
	}
	if cfg.DefaultCatchupPolicy == "" {
		cfg.DefaultCatchupPolicy = schema.CatchupNone
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     st,
		activator: activator,
		locker:    locker,
		logger:    logger,
		config:    cfg,
	}
}

// Start launches the background tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx)
	s.logger.Info("scheduler started",
		"tick", s.config.TickInterval.String(),
		"lookahead", s.config.Lookahead.String(),
	)
	return nil
}

// Stop shuts the loop down and waits for pending fire timers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return
	}

	s.cancel()
	<-s.done
	s.timers.Wait()
	if s.lease != nil {
		if err := s.lease.Release(context.Background()); err != nil {
			s.logger.Warn("scheduler lease release failed", "error", err)
		}
		s.lease = nil
	}
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one leader scan. Exposed so callers can drive the scheduler
// without the background loop.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ensureLeadership(ctx) {
		return
	}

	now := time.Now().UTC()
	horizon := now.Add(s.config.Lookahead)
	scheds, err := s.store.DueSchedules(ctx, horizon, 0)
	if err != nil {
		s.logger.Error("due schedule scan failed", "error", err)
		return
	}

	for _, sched := range scheds {
		if sched.EndAt != nil && sched.EndAt.Before(now) {
			continue
		}
		s.scanSchedule(ctx, sched, now, horizon)
	}
}

// ensureLeadership acquires or renews the leader lease. Without a locker
// this process always leads.
func (s *Scheduler) ensureLeadership(ctx context.Context) bool {
	if s.locker == nil {
		return true
	}
	if s.lease == nil {
		lease, ok, err := s.locker.Acquire(ctx, leaderLockName)
		if err != nil {
			s.logger.Error("leader lease acquire failed", "error", err)
			return false
		}
		if !ok {
			return false
		}
		s.lease = lease
		s.logger.Info("scheduler leadership acquired")
		return true
	}
	if err := s.lease.Renew(ctx); err != nil {
		s.logger.Warn("scheduler leadership lost", "error", err)
		s.lease = nil
		return false
	}
	return true
}

// emission is one planned hand-off: the cron instant and when to actually
// fire it after catchup spreading.
type emission struct {
	runAt  time.Time
	fireAt time.Time
}

// scanSchedule enumerates due fire times for one schedule, applies its
// policies, emits, and advances next_run_at.
func (s *Scheduler) scanSchedule(ctx context.Context, sched *schema.Schedule, now, horizon time.Time) {
	spec, err := ParseCron(sched.CronExpr)
	if err != nil {
		s.logger.Error("stored schedule has invalid cron", "schedule_id", sched.ScheduleID, "error", err)
		return
	}
	loc, err := LoadTimezone(sched.Timezone)
	if err != nil {
		s.logger.Error("stored schedule has invalid timezone", "schedule_id", sched.ScheduleID, "error", err)
		return
	}

	times := fireTimesThrough(sched, spec, loc, horizon, s.config.MaxCatchupPerTick)
	if len(times) == 0 {
		return
	}
	lastConsidered := times[len(times)-1]
	emissions := applyCatchup(sched.CatchupPolicy, times, now, s.config.Lookahead)

	var deferredAt time.Time
	for _, em := range emissions {
		switch sched.OverlapPolicy {
		case schema.OverlapSkip:
			inFlight, err := s.store.InFlightScheduleRuns(ctx, sched.ScheduleID)
			if err != nil {
				s.logger.Error("in-flight count failed", "schedule_id", sched.ScheduleID, "error", err)
				continue
			}
			if inFlight > 0 {
				s.recordSkipped(ctx, sched, em.runAt)
				continue
			}
		case schema.OverlapQueue:
			inFlight, err := s.store.InFlightScheduleRuns(ctx, sched.ScheduleID)
			if err != nil {
				s.logger.Error("in-flight count failed", "schedule_id", sched.ScheduleID, "error", err)
				continue
			}
			if inFlight > 0 {
				deferredAt = em.runAt
			}
		}
		if !deferredAt.IsZero() {
			break
		}

		fireAt := em.fireAt
		if sched.JitterMs > 0 {
			fireAt = fireAt.Add(time.Duration(rand.Int63n(2*sched.JitterMs+1)-sched.JitterMs) * time.Millisecond)
		}

		if !fireAt.After(now) {
			s.emit(ctx, sched, em.runAt)
			continue
		}
		s.timers.Add(1)
		go func(runAt time.Time, delay time.Duration) {
			defer s.timers.Done()
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			s.emit(ctx, sched, runAt)
		}(em.runAt, fireAt.Sub(now))
	}

	next := spec.Next(lastConsidered.In(loc)).UTC()
	if !deferredAt.IsZero() {
		// Queued instants replay on a later tick once the running
		// emission settles.
		next = deferredAt
	}
	if err := s.store.UpdateSchedule(ctx, sched.ScheduleID, store.ScheduleUpdate{NextRunAt: &next}); err != nil {
		s.logger.Error("next_run_at advance failed", "schedule_id", sched.ScheduleID, "error", err)
	}
}

// applyCatchup turns enumerated cron instants into emissions. Missed
// instants are dropped, fired immediately, or spread uniformly across the
// lookahead window depending on policy.
func applyCatchup(policy schema.CatchupPolicy, times []time.Time, now time.Time, window time.Duration) []emission {
	var missed, upcoming []time.Time
	for _, t := range times {
		if t.Before(now) {
			missed = append(missed, t)
		} else {
			upcoming = append(upcoming, t)
		}
	}

	var out []emission
	switch policy {
	case schema.CatchupNone:
		// Missed instants are gone; only upcoming ones fire.
	case schema.CatchupSpread:
		slot := window / time.Duration(len(missed)+1)
		for i, t := range missed {
			out = append(out, emission{runAt: t, fireAt: now.Add(slot * time.Duration(i+1))})
		}
	default: // fire_immediately
		for _, t := range missed {
			out = append(out, emission{runAt: t, fireAt: now})
		}
	}
	for _, t := range upcoming {
		out = append(out, emission{runAt: t, fireAt: t})
	}
	return out
}

// emit claims one instant and hands it to the executor. The schedule_runs
// insert is the exactly-once gate: losing the claim means another scan or
// instance already owns this instant.
func (s *Scheduler) emit(ctx context.Context, sched *schema.Schedule, runAt time.Time) {
	idemKey := idempotency.ScheduleKey(sched.ScheduleID, runAt)
	claimed, err := s.store.InsertScheduleRun(ctx, &schema.ScheduleRun{
		IdempotencyKey: idemKey,
		ScheduleID:     sched.ScheduleID,
		RunAt:          runAt,
		Status:         schema.ScheduleRunEnqueued,
	})
	if err != nil {
		s.logger.Error("schedule run claim failed", "schedule_id", sched.ScheduleID, "error", err)
		return
	}
	if !claimed {
		return
	}

	act := &schema.Activation{
		WorkflowID: sched.WorkflowID,
		Version:    sched.Version,
		UserID:     sched.UserID,
		ScheduleID: sched.ScheduleID,
		IdemKey:    idemKey,
		Source:     schema.SourceSchedule,
		Payload:    map[string]any{"fired_at": runAt.UTC().Format(time.RFC3339)},
	}

	var run *schema.Run
	for attempt := 1; attempt <= s.config.EnqueueAttempts; attempt++ {
		run, err = s.activator.Activate(ctx, act)
		if err == nil {
			break
		}
		s.logger.Warn("schedule activation failed",
			"schedule_id", sched.ScheduleID, "run_at", runAt, "attempt", attempt, "error", err)
		if waitErr := engine.WaitForBackoff(ctx, time.Duration(attempt)*200*time.Millisecond); waitErr != nil {
			break
		}
	}
	if err != nil {
		s.updateRun(ctx, idemKey, store.ScheduleRunUpdate{Status: schema.ScheduleRunFailed})
		return
	}

	s.updateRun(ctx, idemKey, store.ScheduleRunUpdate{Status: schema.ScheduleRunStarted, RunID: &run.RunID})
	s.logger.Info("schedule fired",
		"schedule_id", sched.ScheduleID, "run_at", runAt, "run_id", run.RunID)
}

// recordSkipped writes a SKIPPED emission record for an instant suppressed
// by the skip overlap policy.
func (s *Scheduler) recordSkipped(ctx context.Context, sched *schema.Schedule, runAt time.Time) {
	_, err := s.store.InsertScheduleRun(ctx, &schema.ScheduleRun{
		IdempotencyKey: idempotency.ScheduleKey(sched.ScheduleID, runAt),
		ScheduleID:     sched.ScheduleID,
		RunAt:          runAt,
		Status:         schema.ScheduleRunSkipped,
	})
	if err != nil {
		s.logger.Error("skip record failed", "schedule_id", sched.ScheduleID, "error", err)
	}
}

func (s *Scheduler) updateRun(ctx context.Context, idemKey string, update store.ScheduleRunUpdate) {
	if err := s.store.UpdateScheduleRun(ctx, idemKey, update); err != nil {
		s.logger.Error("schedule run update failed", "idempotency_key", idemKey, "error", err)
	}
}
