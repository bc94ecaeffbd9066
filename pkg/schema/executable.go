package schema

// Stage identifies which contract a workflow document claims to satisfy.
type Stage string

const (
	StageTemplate   Stage = "template"
	StageExecutable Stage = "executable"
	StageDAG        Stage = "dag"
)

// Executable is the fully resolved, pre-lowering workflow document.
// Every action carries concrete tool/action/connection bindings; flow
// control is still expressed as high-level intent and is lowered into
// explicit gateway, parallel, join, and loop nodes by the compiler.
type Executable struct {
	WorkflowID  string         `json:"workflow_id"`
	Version     int            `json:"version"`
	UserID      string         `json:"user_id,omitempty"`
	Triggers    []ExecTrigger  `json:"triggers"`
	Actions     []ExecAction   `json:"actions"`
	FlowControl *FlowControl   `json:"flow_control,omitempty"`
	Routes      []Route        `json:"routes,omitempty"`
	Policies    *Globals       `json:"policies,omitempty"`
	Missing     []string       `json:"missing_information,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ExecTrigger binds a trigger intent to a concrete provider trigger.
type ExecTrigger struct {
	LocalID  string           `json:"local_id"`
	Type     string           `json:"type,omitempty"`
	Exec     TriggerExecBlock `json:"exec"`
	Schedule *ScheduleSpec    `json:"schedule,omitempty"`
}

// TriggerExecBlock is the resolved provider binding of a trigger.
type TriggerExecBlock struct {
	Provider      string         `json:"provider"`
	TriggerSlug   string         `json:"trigger_slug"`
	ConnectionID  string         `json:"connection_id,omitempty"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// ScheduleSpec is the cron binding of a scheduled trigger.
type ScheduleSpec struct {
	CronExpr string `json:"cron_expr"`
	Timezone string `json:"timezone,omitempty"`
}

// ExecAction binds an action intent to a concrete provider action.
type ExecAction struct {
	LocalID string          `json:"local_id"`
	Exec    ActionExecBlock `json:"exec"`
}

// ActionExecBlock is the resolved provider binding of an action.
type ActionExecBlock struct {
	Provider      string            `json:"provider"`
	ActionSlug    string            `json:"action_slug"`
	ConnectionID  string            `json:"connection_id,omitempty"`
	InputTemplate map[string]any    `json:"input_template,omitempty"`
	OutputVars    map[string]string `json:"output_vars,omitempty"`
	Retry         *RetryPolicy      `json:"retry,omitempty"`
	TimeoutMs     int64             `json:"timeout_ms,omitempty"`
}

// FlowControl groups the high-level control constructs of an executable.
type FlowControl struct {
	Conditions []Conditional  `json:"conditions,omitempty"`
	Switches   []SwitchSpec   `json:"switches,omitempty"`
	Parallel   []ParallelSpec `json:"parallel_execution,omitempty"`
	Loops      []LoopSpec     `json:"loops,omitempty"`
}

// Conditional lowers to a gateway_if node.
type Conditional struct {
	LocalID     string           `json:"local_id,omitempty"`
	IncomingRef string           `json:"incoming_ref,omitempty"`
	Branches    []ConditionalArm `json:"branches"`
	ElseRef     string           `json:"else_ref,omitempty"`
}

// ConditionalArm is one guarded branch of a Conditional.
type ConditionalArm struct {
	Name      string `json:"name,omitempty"`
	Expr      string `json:"expr"`
	TargetRef string `json:"target_ref"`
}

// SwitchSpec lowers to a gateway_switch node.
type SwitchSpec struct {
	LocalID     string      `json:"local_id,omitempty"`
	IncomingRef string      `json:"incoming_ref,omitempty"`
	Selector    string      `json:"selector"`
	Cases       []SwitchArm `json:"cases"`
	DefaultRef  string      `json:"default_ref,omitempty"`
}

// SwitchArm routes one selector value.
type SwitchArm struct {
	Value     any    `json:"value"`
	TargetRef string `json:"target_ref"`
}

// ParallelSpec lowers to a parallel fan-out node paired with a join.
type ParallelSpec struct {
	LocalID     string   `json:"local_id,omitempty"`
	IncomingRef string   `json:"incoming_ref,omitempty"`
	Targets     []string `json:"targets"`
	OutgoingRef string   `json:"outgoing_ref,omitempty"`
	JoinMode    string   `json:"join_mode,omitempty"`
}

// LoopSpec lowers to a loop_while or loop_foreach node.
type LoopSpec struct {
	LocalID        string `json:"local_id,omitempty"`
	Kind           string `json:"kind"`
	IncomingRef    string `json:"incoming_ref,omitempty"`
	BodyRef        string `json:"body_ref"`
	Condition      string `json:"condition,omitempty"`
	MaxIterations  int    `json:"max_iterations,omitempty"`
	Source         string `json:"source,omitempty"`
	ItemVar        string `json:"item_var,omitempty"`
	IndexVar       string `json:"index_var,omitempty"`
	MaxConcurrency int    `json:"max_concurrency,omitempty"`
}

// Route is an explicit edge between two local refs, carried through
// lowering with its gate and optional condition.
type Route struct {
	FromRef string   `json:"from_ref"`
	ToRef   string   `json:"to_ref"`
	When    EdgeWhen `json:"when,omitempty"`
	Expr    string   `json:"expr,omitempty"`
}
