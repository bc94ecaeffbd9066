package engine

import (
	"github.com/rendis/flowplane/pkg/schema"
)

// validNodeTransitions is the node lifecycle: a node is dispatched once
// (PENDING to RUNNING), may re-enter RUNNING for a retry attempt, and
// settles in exactly one terminal state. PENDING to SKIPPED covers nodes
// never reached before finalization.
var validNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodePending: {schema.NodeRunning, schema.NodeSkipped},
	schema.NodeRunning: {schema.NodeRunning, schema.NodeDone, schema.NodeError},
}

// ValidateNodeTransition returns an INVALID_TRANSITION error when the
// requested status change is not part of the node lifecycle.
func ValidateNodeTransition(from, to schema.NodeStatus) error {
	for _, allowed := range validNodeTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid node transition %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// transitionEvent maps a node status change to its run-log event type.
// Dispatch and retry both enter RUNNING; the attempt number distinguishes
// them.
func transitionEvent(to schema.NodeStatus, attempt int) string {
	switch to {
	case schema.NodeRunning:
		if attempt > 1 {
			return schema.EventNodeRetrying
		}
		return schema.EventNodeDispatched
	case schema.NodeDone:
		return schema.EventNodeCompleted
	case schema.NodeError:
		return schema.EventNodeFailed
	case schema.NodeSkipped:
		return schema.EventNodeSkipped
	}
	return ""
}
