package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/pkg/schema"
)

// EventAppender is satisfied by the Store and EventLog; used to record history.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// ExecutionWriter reads and persists execution status.
type ExecutionWriter interface {
	GetExecution(ctx context.Context, id string) (*store.Execution, error)
	UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) error
}

// BeforeHook runs before a transition is persisted; an error vetoes it.
type BeforeHook func(ctx context.Context, exec *store.Execution, to schema.ExecutionStatus) error

// AfterHook runs once a transition has been persisted.
type AfterHook func(ctx context.Context, exec *store.Execution)

// Failure describes why an execution left RUNNING unsuccessfully.
type Failure struct {
	Error string
	Cause string
}

// ValidTransitions defines the allowed execution status transitions.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionRunning: {
		schema.ExecutionSucceeded,
		schema.ExecutionFailed,
		schema.ExecutionTimedOut,
		schema.ExecutionAborted,
	},
	schema.ExecutionSucceeded: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionTimedOut:  {},
	schema.ExecutionAborted:   {},
}

// ExecutionFSM moves executions between statuses. A transition is a
// compare-and-set on the stored status, so a concurrent Abort and a natural
// completion cannot both win.
//
// The FAILED event is appended before the status leaves RUNNING, so a reader
// that sees a terminal status also sees the event that explains it.
type ExecutionFSM struct {
	mu       sync.Mutex
	writeMu  sync.Mutex
	writer   ExecutionWriter
	appender EventAppender
	before   []BeforeHook
	after    []AfterHook
	now      func() time.Time
}

// NewExecutionFSM creates an FSM persisting through writer and recording
// FAILED events through appender.
func NewExecutionFSM(writer ExecutionWriter, appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		writer:   writer,
		appender: appender,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnBefore registers a hook called before every transition.
func (f *ExecutionFSM) OnBefore(hook BeforeHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before = append(f.before, hook)
}

// OnAfter registers a hook called after every transition.
func (f *ExecutionFSM) OnAfter(hook AfterHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after = append(f.after, hook)
}

// Transition moves exec from its current status to to. failure must be set
// for every terminal status except SUCCEEDED; it is recorded both on the
// execution and as a FAILED history event. On success exec is updated in
// place.
func (f *ExecutionFSM) Transition(ctx context.Context, exec *store.Execution, to schema.ExecutionStatus, failure *Failure) error {
	from := exec.Status
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	before := slices.Clone(f.before)
	after := slices.Clone(f.after)
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, exec, to); err != nil {
			return err
		}
	}

	if err := f.persist(ctx, exec, to, failure); err != nil {
		return err
	}

	for _, hook := range after {
		hook(ctx, exec)
	}
	return nil
}

// persist records the FAILED event, if any, and then sets the status.
// Transitions in this process are serialised and re-checked against the
// stored status first, so a lost race appends nothing.
func (f *ExecutionFSM) persist(ctx context.Context, exec *store.Execution, to schema.ExecutionStatus, failure *Failure) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	from := exec.Status
	current, err := f.writer.GetExecution(ctx, exec.ID)
	if err != nil {
		return err
	}
	if current.Status != from {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is no longer %s", exec.ID, from)
	}

	stopped := f.now()
	if failure != nil {
		event := &store.Event{
			ExecutionID: exec.ID,
			Kind:        schema.EventFailed,
			StateName:   exec.CurrentState,
			Error:       failure.Error,
			Cause:       failure.Cause,
			Timestamp:   stopped,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "record failure event: %s", err.Error()).WithCause(err)
		}
	}

	update := store.ExecutionUpdate{IfStatus: &from, Status: &to, StoppedAt: &stopped}
	if failure != nil {
		update.Error = &failure.Error
		update.Cause = &failure.Cause
	}
	if err := f.writer.UpdateExecution(ctx, exec.ID, update); err != nil {
		return err
	}

	exec.Status = to
	exec.StoppedAt = &stopped
	exec.UpdatedAt = stopped
	if failure != nil {
		exec.Error = failure.Error
		exec.Cause = failure.Cause
	}
	return nil
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	return slices.Contains(ValidTransitions[from], to)
}
