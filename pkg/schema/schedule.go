package schema

import "time"

// OverlapPolicy decides what happens when a new fire time arrives while a
// prior run of the same schedule is still in flight.
type OverlapPolicy string

const (
	OverlapAllow OverlapPolicy = "allow"
	OverlapSkip  OverlapPolicy = "skip"
	OverlapQueue OverlapPolicy = "queue"
)

// CatchupPolicy decides what happens to fire times that fell during a
// downtime window.
type CatchupPolicy string

const (
	CatchupNone            CatchupPolicy = "none"
	CatchupFireImmediately CatchupPolicy = "fire_immediately"
	CatchupSpread          CatchupPolicy = "spread"
)

// ScheduleRunStatus is the lifecycle of one planned schedule emission.
type ScheduleRunStatus string

const (
	ScheduleRunEnqueued ScheduleRunStatus = "ENQUEUED"
	ScheduleRunStarted  ScheduleRunStatus = "STARTED"
	ScheduleRunSuccess  ScheduleRunStatus = "SUCCESS"
	ScheduleRunFailed   ScheduleRunStatus = "FAILED"
	ScheduleRunSkipped  ScheduleRunStatus = "SKIPPED"
)

// Schedule is a persistent cron binding of a workflow version.
type Schedule struct {
	ScheduleID    string        `json:"schedule_id"`
	WorkflowID    string        `json:"workflow_id"`
	Version       int           `json:"version"`
	UserID        string        `json:"user_id,omitempty"`
	CronExpr      string        `json:"cron_expr"`
	Timezone      string        `json:"timezone"`
	StartAt       *time.Time    `json:"start_at,omitempty"`
	EndAt         *time.Time    `json:"end_at,omitempty"`
	NextRunAt     time.Time     `json:"next_run_at"`
	Paused        bool          `json:"paused"`
	JitterMs      int64         `json:"jitter_ms,omitempty"`
	OverlapPolicy OverlapPolicy `json:"overlap_policy"`
	CatchupPolicy CatchupPolicy `json:"catchup_policy"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// ScheduleRun is the exactly-once record of one planned instant. The
// idempotency key is the sole duplicate guard across restarts and
// concurrent scans.
type ScheduleRun struct {
	IdempotencyKey string            `json:"idempotency_key"`
	ScheduleID     string            `json:"schedule_id"`
	RunAt          time.Time         `json:"run_at"`
	Status         ScheduleRunStatus `json:"status"`
	RunID          string            `json:"run_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
