package streaming

import (
	"context"

	"github.com/rendis/flowplane/pkg/schema"
)

// EventFilter specifies which run events a subscriber wants to receive.
// Zero fields match everything.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub is pub/sub for live run events. The executor publishes every
// appended event; SSE streams and the CLI follow view subscribe.
type EventHub interface {
	Publish(ctx context.Context, event schema.RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.RunEvent, func(), error)
}
