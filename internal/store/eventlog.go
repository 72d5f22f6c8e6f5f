package store

import (
	"context"
	"log/slog"

	"github.com/rskumar/orderflow/internal/streaming"
	"github.com/rskumar/orderflow/pkg/schema"
)

// EventLog appends history through a Store and fans each committed event out
// to a live hub. Hub delivery is best effort and never fails the append.
type EventLog struct {
	store  Store
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewEventLog wraps s. hub may be nil.
func NewEventLog(s Store, hub streaming.EventHub, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{store: s, hub: hub, logger: logger}
}

// AppendEvent persists event, assigning its sequence, then broadcasts it.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	if err := el.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	el.broadcast(ctx, streaming.StreamEvent{
		ExecutionID: event.ExecutionID,
		Kind:        string(event.Kind),
		StateName:   event.StateName,
		Error:       event.Error,
		Sequence:    event.Sequence,
		Timestamp:   event.Timestamp,
	})
	return nil
}

// PublishStatus broadcasts a status change. Nothing is persisted.
func (el *EventLog) PublishStatus(ctx context.Context, exec *Execution) {
	el.broadcast(ctx, streaming.StreamEvent{
		ExecutionID: exec.ID,
		Kind:        streaming.KindStatus,
		Status:      string(exec.Status),
		Error:       exec.Error,
		Timestamp:   exec.UpdatedAt,
	})
}

func (el *EventLog) broadcast(ctx context.Context, ev streaming.StreamEvent) {
	if el.hub == nil {
		return
	}
	if err := el.hub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		el.logger.WarnContext(ctx, "stream publish failed", slog.String("execution_id", ev.ExecutionID), slog.Any("error", err))
	}
}

// GetEvents returns events with sequence > since, ordered by sequence.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// Summary is a replayed view of an execution's history.
type Summary struct {
	Events     int            `json:"events"`
	LastState  string         `json:"last_state,omitempty"`
	Entered    map[string]int `json:"entered"`
	LastFailed *Event         `json:"last_failed,omitempty"`
}

// Replay folds the whole history into a Summary. A gap in the sequence means
// the log was tampered with or partially written and is reported as a store
// error.
func (el *EventLog) Replay(ctx context.Context, executionID string) (*Summary, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}

	sum := &Summary{Entered: make(map[string]int)}
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, want, e.Sequence)
		}
		switch e.Kind {
		case schema.EventEntered:
			sum.Entered[e.StateName]++
			sum.LastState = e.StateName
		case schema.EventFailed:
			sum.LastFailed = e
		}
	}
	sum.Events = len(events)
	return sum, nil
}
