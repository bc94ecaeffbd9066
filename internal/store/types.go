package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/flowplane/pkg/schema"
)

// WorkflowVersion is one immutable published revision of a workflow. The
// executable document is kept for re-compilation and audit; the lowered
// DAG is what the engine loads at activation time.
type WorkflowVersion struct {
	WorkflowID string          `json:"workflow_id"`
	Version    int             `json:"version"`
	UserID     string          `json:"user_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Executable json.RawMessage `json:"executable,omitempty"`
	DAG        *schema.DAG     `json:"dag"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// TriggerBinding maps an externally visible trigger instance back to the
// workflow version and node that owns it.
type TriggerBinding struct {
	TriggerInstanceID string `json:"trigger_instance_id"`
	WorkflowID        string `json:"workflow_id"`
	Version           int    `json:"version"`
	NodeID            string `json:"node_id"`
}

// WorkflowFilter narrows ListWorkflows. Zero values mean "any".
type WorkflowFilter struct {
	UserID string
	Limit  int
	Offset int
}

// ScheduleFilter narrows ListSchedules. Zero values mean "any".
type ScheduleFilter struct {
	WorkflowID string
	UserID     string
	Paused     *bool
	Limit      int
	Offset     int
}

// ScheduleUpdate carries partial schedule mutations. Nil fields are left
// untouched.
type ScheduleUpdate struct {
	CronExpr      *string
	Timezone      *string
	StartAt       *time.Time
	EndAt         *time.Time
	NextRunAt     *time.Time
	Paused        *bool
	JitterMs      *int64
	OverlapPolicy *schema.OverlapPolicy
	CatchupPolicy *schema.CatchupPolicy
}

// ScheduleRunUpdate advances one emission record through its lifecycle.
type ScheduleRunUpdate struct {
	Status schema.ScheduleRunStatus
	RunID  *string
}

// RunFilter narrows ListRuns. Zero values mean "any".
type RunFilter struct {
	WorkflowID string
	UserID     string
	Status     schema.RunStatus
	Source     schema.RunSource
	Limit      int
	Offset     int
}
