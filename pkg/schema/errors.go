package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeMalformedInput        = "MALFORMED_INPUT"
	ErrCodeMissingArtifact       = "MISSING_ARTIFACT"
	ErrCodeTaskRunnerUnavailable = "TASK_RUNNER_UNAVAILABLE"
	ErrCodeJobFailed             = "JOB_FAILED"
	ErrCodeNotificationFailed    = "NOTIFICATION_FAILED"
	ErrCodeNoDataYet             = "NO_DATA_YET"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeTransient         = "TRANSIENT_ERROR"
)

// Error names recorded on FAILED events. They mirror the names a hosted
// state machine service reports so existing dashboards keep matching.
const (
	ErrorNameTaskRunnerUnavailable = "TaskRunnerUnavailable"
	ErrorNameJobFailed             = "JobFailed"
	ErrorNameTimeout               = "States.Timeout"
	ErrorNameAborted               = "States.Aborted"
	ErrorNameNoChoiceMatched       = "States.NoChoiceMatched"
	ErrorNameRuntime               = "States.Runtime"
)

// PipelineError is the structured error type used across the pipeline.
type PipelineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	State   string         `json:"state,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PipelineError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("[%s] state %s: %s", e.Code, e.State, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the poll loop may try the failed call again.
func (e *PipelineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTransient, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}

// NewError creates a new PipelineError.
func NewError(code, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// NewErrorf creates a new PipelineError with a formatted message.
func NewErrorf(code, format string, args ...any) *PipelineError {
	return &PipelineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithState attaches the state machine state the error was raised in.
func (e *PipelineError) WithState(state string) *PipelineError {
	e.State = state
	return e
}

// WithCause attaches an underlying cause.
func (e *PipelineError) WithCause(err error) *PipelineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PipelineError) WithDetails(details map[string]any) *PipelineError {
	e.Details = details
	return e
}

// HasCode reports whether err is a PipelineError carrying code.
func HasCode(err error, code string) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
