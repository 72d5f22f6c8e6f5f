package store

import (
	"encoding/json"
	"time"

	"github.com/rskumar/orderflow/pkg/schema"
)

// Execution is the persisted representation of one workflow instance.
type Execution struct {
	ID           string                 `json:"id"`
	Machine      string                 `json:"machine"`
	JobName      string                 `json:"job_name"`
	Input        schema.WorkflowInput   `json:"input"`
	Status       schema.ExecutionStatus `json:"status"`
	CurrentState string                 `json:"current_state,omitempty"`
	RunID        string                 `json:"run_id,omitempty"`
	Polls        int                    `json:"polls"`
	Document     json.RawMessage        `json:"document,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Cause        string                 `json:"cause,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	StoppedAt    *time.Time             `json:"stopped_at,omitempty"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Event is an immutable entry in an execution's history.
type Event struct {
	ID          int64            `json:"id"`
	ExecutionID string           `json:"execution_id"`
	Kind        schema.EventKind `json:"kind"`
	StateName   string           `json:"state_name,omitempty"`
	Error       string           `json:"error,omitempty"`
	Cause       string           `json:"cause,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	Sequence    int64            `json:"sequence"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status *schema.ExecutionStatus `json:"status,omitempty"`
	Since  *time.Time              `json:"since,omitempty"`
	Limit  int                     `json:"limit,omitempty"`
	Offset int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution. Nil fields are
// left unchanged. When IfStatus is set the update only applies while the
// execution still has that status, otherwise it fails with CONFLICT.
type ExecutionUpdate struct {
	IfStatus     *schema.ExecutionStatus `json:"-"`
	Status       *schema.ExecutionStatus `json:"status,omitempty"`
	CurrentState *string                 `json:"current_state,omitempty"`
	RunID        *string                 `json:"run_id,omitempty"`
	Polls        *int                    `json:"polls,omitempty"`
	Document     json.RawMessage         `json:"document,omitempty"`
	Error        *string                 `json:"error,omitempty"`
	Cause        *string                 `json:"cause,omitempty"`
	StoppedAt    *time.Time              `json:"stopped_at,omitempty"`
}
