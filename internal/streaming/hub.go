package streaming

import "context"

// StreamEvent is a real-time event emitted during workflow execution.
type StreamEvent struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id,omitempty"`
	EventType   string `json:"event_type"`
	Payload     any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive. Replay
// requests the buffered recent events of the filtered execution before live
// delivery begins, so a subscriber attaching mid-run catches up.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
	Replay      bool     `json:"replay,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
