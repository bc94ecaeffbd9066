package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowplane/internal/store"
	"github.com/rendis/flowplane/pkg/schema"
)

const previewCount = 5

// UpsertSchedule validates and persists a schedule, precomputing its
// next_run_at. Missing policies fall back to the configured defaults.
func (s *Scheduler) UpsertSchedule(ctx context.Context, sched *schema.Schedule) (*schema.Schedule, error) {
	if sched.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule needs a workflow_id")
	}
	if _, err := ParseCron(sched.CronExpr); err != nil {
		return nil, err
	}
	if _, err := LoadTimezone(sched.Timezone); err != nil {
		return nil, err
	}

	if sched.ScheduleID == "" {
		sched.ScheduleID = uuid.New().String()
	}
	if sched.OverlapPolicy == "" {
		sched.OverlapPolicy = s.config.DefaultOverlapPolicy
	}
	if sched.CatchupPolicy == "" {
		sched.CatchupPolicy = s.config.DefaultCatchupPolicy
	}
	if sched.JitterMs == 0 {
		sched.JitterMs = s.config.DefaultJitterMs
	}

	from := time.Now().UTC()
	if sched.StartAt != nil && sched.StartAt.After(from) {
		from = sched.StartAt.UTC()
	}
	next, err := NextFireTime(sched.CronExpr, sched.Timezone, from)
	if err != nil {
		return nil, err
	}
	sched.NextRunAt = next

	if err := s.store.UpsertSchedule(ctx, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// PauseSchedule flips the paused flag. Paused schedules are skipped by the
// tick scan; resuming recomputes next_run_at so the pause window is not
// replayed as catchup.
func (s *Scheduler) PauseSchedule(ctx context.Context, scheduleID string, paused bool) error {
	update := store.ScheduleUpdate{Paused: &paused}
	if !paused {
		sched, err := s.store.GetSchedule(ctx, scheduleID)
		if err != nil {
			return err
		}
		next, err := NextFireTime(sched.CronExpr, sched.Timezone, time.Now().UTC())
		if err != nil {
			return err
		}
		update.NextRunAt = &next
	}
	return s.store.UpdateSchedule(ctx, scheduleID, update)
}

// DeleteSchedule removes a schedule. Its emission history stays.
func (s *Scheduler) DeleteSchedule(ctx context.Context, scheduleID string) error {
	return s.store.DeleteSchedule(ctx, scheduleID)
}

// GetSchedule returns a schedule together with a preview of its next five
// fire times.
func (s *Scheduler) GetSchedule(ctx context.Context, scheduleID string) (*schema.Schedule, []time.Time, error) {
	sched, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, nil, err
	}
	fires, err := Preview(sched.CronExpr, sched.Timezone, time.Now().UTC(), previewCount)
	if err != nil {
		return nil, nil, err
	}
	return sched, fires, nil
}

// ListSchedules passes through to the store.
func (s *Scheduler) ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*schema.Schedule, error) {
	return s.store.ListSchedules(ctx, filter)
}

// ListScheduleRuns returns recent emission records, newest first.
func (s *Scheduler) ListScheduleRuns(ctx context.Context, scheduleID string, limit int) ([]*schema.ScheduleRun, error) {
	return s.store.ListScheduleRuns(ctx, scheduleID, limit)
}
