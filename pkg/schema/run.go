package schema

import "time"

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

// RunSource records what activated a run.
type RunSource string

const (
	SourceEvent    RunSource = "event"
	SourceSchedule RunSource = "schedule"
	SourceManual   RunSource = "manual"
)

// NodeStatus is the lifecycle state of one node execution attempt.
type NodeStatus string

const (
	NodePending NodeStatus = "PENDING"
	NodeRunning NodeStatus = "RUNNING"
	NodeDone    NodeStatus = "DONE"
	NodeError   NodeStatus = "ERROR"
	NodeSkipped NodeStatus = "SKIPPED"
)

// Final reports whether the status is terminal.
func (s NodeStatus) Final() bool {
	return s == NodeDone || s == NodeError || s == NodeSkipped
}

// Run is one activation of a DAG driven to a terminal status.
type Run struct {
	RunID         string     `json:"run_id"`
	WorkflowID    string     `json:"workflow_id"`
	Version       int        `json:"version"`
	UserID        string     `json:"user_id,omitempty"`
	Status        RunStatus  `json:"status"`
	Source        RunSource  `json:"source"`
	TriggerDigest string     `json:"trigger_digest,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// NodeExecution is one attempt at executing a node. The current attempt
// for (run_id, node_id) is the one with the highest attempt number.
type NodeExecution struct {
	RunID      string     `json:"run_id"`
	NodeID     string     `json:"node_id"`
	Attempt    int        `json:"attempt"`
	Status     NodeStatus `json:"status"`
	OutputRef  string     `json:"output_ref,omitempty"`
	Error      string     `json:"error,omitempty"`
	IdemKey    string     `json:"idem_key,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// JoinArrival records one incoming edge completion at a join node.
type JoinArrival struct {
	RunID      string    `json:"run_id"`
	JoinNodeID string    `json:"join_node_id"`
	FromNodeID string    `json:"from_node_id"`
	ArrivedAt  time.Time `json:"arrived_at"`
}

// Activation is the input handed to the executor: which trigger fired,
// with what payload, from which path.
type Activation struct {
	WorkflowID    string         `json:"workflow_id"`
	Version       int            `json:"version"`
	TriggerNodeID string         `json:"trigger_node_id"`
	Payload       map[string]any `json:"payload,omitempty"`
	Source        RunSource      `json:"source"`
	UserID        string         `json:"user_id,omitempty"`
	ScheduleID    string         `json:"schedule_id,omitempty"`
	IdemKey       string         `json:"idempotency_key,omitempty"`
}
