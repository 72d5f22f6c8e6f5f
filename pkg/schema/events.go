package schema

// EventKind is the kind of an execution history entry.
type EventKind string

const (
	EventEntered EventKind = "ENTERED"
	EventExited  EventKind = "EXITED"
	EventFailed  EventKind = "FAILED"
)

// ExecutionStatus represents the lifecycle state of a workflow instance.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionSucceeded ExecutionStatus = "SUCCEEDED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionTimedOut  ExecutionStatus = "TIMED_OUT"
	ExecutionAborted   ExecutionStatus = "ABORTED"
)

// Terminal reports whether no further transition can leave s.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionTimedOut, ExecutionAborted:
		return true
	}
	return false
}

// JobRunState is the normalised state of an external job run.
type JobRunState string

const (
	JobRunRunning   JobRunState = "RUNNING"
	JobRunSucceeded JobRunState = "SUCCEEDED"
	JobRunFailed    JobRunState = "FAILED"
)

// NormalizeJobRunState folds the wider state vocabulary of batch runners
// into RUNNING, SUCCEEDED and FAILED.
func NormalizeJobRunState(raw string) JobRunState {
	switch raw {
	case "SUCCEEDED":
		return JobRunSucceeded
	case "FAILED", "STOPPED", "TIMEOUT", "ERROR", "EXPIRED":
		return JobRunFailed
	default:
		return JobRunRunning
	}
}

// Channel selects a notification topic.
type Channel string

const (
	ChannelSuccess Channel = "SUCCESS"
	ChannelFailure Channel = "FAILURE"
)

// ResultSource selects where the joined result is read from.
type ResultSource string

const (
	SourceObjectStore ResultSource = "OBJECT_STORE"
	SourceRelational  ResultSource = "RELATIONAL"
)

// Valid reports whether s names a known result source.
func (s ResultSource) Valid() bool {
	return s == SourceObjectStore || s == SourceRelational
}
