package streaming

import (
	"context"
	"time"
)

// Kinds carried on the hub besides the history event kinds.
const (
	KindStatus = "STATUS"
)

// StreamEvent is a real-time notice about an execution. History entries are
// forwarded with their kind (ENTERED, EXITED, FAILED); status changes use
// KindStatus.
type StreamEvent struct {
	ExecutionID string    `json:"execution_id"`
	Kind        string    `json:"kind"`
	StateName   string    `json:"state_name,omitempty"`
	Status      string    `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
	Sequence    int64     `json:"sequence,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	Kinds       []string `json:"kinds,omitempty"`
}

// EventHub provides pub/sub for live execution updates.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
