package model

import "time"

// Execution status constants.
const (
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
)

// Evaluation workflow states.
const (
	StateEvaluating = "Evaluating"
	StatePersisting = "Persisting"
	StatePublishing = "Publishing"
	StateDone       = "Done"
	StateFailed     = "Failed"
)

// Execution event names.
const (
	EventStateEntered       = "state_entered"
	EventStateCompleted     = "state_completed"
	EventStateFailed        = "state_failed"
	EventStateRetried       = "state_retried"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionTimedOut  = "execution_timed_out"
)

// Well-known document fields written by the workflow.
const (
	FieldID        = "id"
	FieldInput     = "input"
	FieldPublish   = "publish"
	FieldStepError = "error"
	FieldArtifacts = "artifacts"
)

// Execution is one run of the evaluation workflow.
type Execution struct {
	ID             string     `json:"id"`
	WorkflowID     string     `json:"workflow_id"`
	RequestID      string     `json:"request_id,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	MessageID      string     `json:"message_id,omitempty"`
	CurrentState   string     `json:"current_state"`
	Status         string     `json:"status"`
	Input          Document   `json:"input"`
	Document       Document   `json:"document"`
	Error          *StepError `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Version        int        `json:"version"`
}

// Terminal reports whether the execution has reached Done or Failed.
func (e Execution) Terminal() bool {
	return e.Status == ExecutionStatusCompleted || e.Status == ExecutionStatusFailed
}

// StepError captures the error that moved an execution into Failed.
type StepError struct {
	State   string `json:"state"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExecutionEvent records an event in an execution's audit trail.
type ExecutionEvent struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	State       string         `json:"state"`
	Event       string         `json:"event"`
	Data        map[string]any `json:"data,omitempty"`
	Comment     string         `json:"comment,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ExecutionDescriptor is the read model returned by the executions endpoint.
type ExecutionDescriptor struct {
	Execution
	History []ExecutionEvent `json:"history"`
}
