package store

import (
	"context"
	"time"

	"github.com/rendis/flowplane/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow versions
	PutWorkflowVersion(ctx context.Context, wv *WorkflowVersion) error
	GetWorkflowVersion(ctx context.Context, workflowID string, version int) (*WorkflowVersion, error)
	LatestWorkflowVersion(ctx context.Context, workflowID string) (*WorkflowVersion, error)
	ListWorkflowVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowVersion, error)
	ResolveTrigger(ctx context.Context, triggerInstanceID string) (*TriggerBinding, error)
	DeleteWorkflow(ctx context.Context, workflowID string) error

	// Schedules
	UpsertSchedule(ctx context.Context, sched *schema.Schedule) error
	GetSchedule(ctx context.Context, id string) (*schema.Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	DeleteSchedule(ctx context.Context, id string) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*schema.Schedule, error)
	DueSchedules(ctx context.Context, until time.Time, limit int) ([]*schema.Schedule, error)

	// Schedule runs (exactly-once emission records)
	InsertScheduleRun(ctx context.Context, sr *schema.ScheduleRun) (bool, error)
	UpdateScheduleRun(ctx context.Context, idemKey string, update ScheduleRunUpdate) error
	ListScheduleRuns(ctx context.Context, scheduleID string, limit int) ([]*schema.ScheduleRun, error)
	InFlightScheduleRuns(ctx context.Context, scheduleID string) (int, error)

	// Runs
	CreateRun(ctx context.Context, run *schema.Run) error
	GetRun(ctx context.Context, runID string) (*schema.Run, error)
	FinalizeRun(ctx context.Context, runID string, status schema.RunStatus, at time.Time) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error)

	// Node executions
	UpsertNodeExecution(ctx context.Context, ne *schema.NodeExecution) error
	GetNodeExecution(ctx context.Context, runID, nodeID string) (*schema.NodeExecution, error)
	ListNodeExecutions(ctx context.Context, runID string) ([]*schema.NodeExecution, error)

	// Join arrivals
	RecordJoinArrival(ctx context.Context, ja *schema.JoinArrival) (bool, error)
	CountJoinArrivals(ctx context.Context, runID, joinNodeID string) (int, error)

	// Run event log (append-only)
	AppendRunEvent(ctx context.Context, event *schema.RunEvent) error
	ListRunEvents(ctx context.Context, runID string, sinceSeq int64, limit int) ([]*schema.RunEvent, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}
