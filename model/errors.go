package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrInternalError   = "INTERNAL_ERROR"
	ErrPayloadTooLarge = "PAYLOAD_TOO_LARGE"
)

// Pipeline error codes.
const (
	ErrSubmissionRejected = "SUBMISSION_REJECTED"
	ErrEnqueueThrottled   = "ENQUEUE_THROTTLED"
	ErrDispatchFailed     = "DISPATCH_FAILED"
	ErrStepFailed         = "STEP_FAILED"
	ErrStepTimeout        = "STEP_TIMEOUT"
)

// ErrorEnvelope is the standard error response envelope. It implements the
// error interface and optionally wraps an underlying cause.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// WithCause returns a copy of the envelope wrapping cause.
func (e *ErrorEnvelope) WithCause(cause error) *ErrorEnvelope {
	cp := *e
	cp.cause = cause
	return &cp
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope extracts an *ErrorEnvelope from err's chain.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasCode reports whether err carries an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewPayloadTooLargeError returns a PAYLOAD_TOO_LARGE error.
func NewPayloadTooLargeError(limit int64) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrPayloadTooLarge,
		Message: fmt.Sprintf("request body exceeds %d bytes", limit),
	}
}

// NewSubmissionRejectedError returns a SUBMISSION_REJECTED error.
func NewSubmissionRejectedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrSubmissionRejected, Message: msg}
}

// NewEnqueueThrottledError returns an ENQUEUE_THROTTLED error.
func NewEnqueueThrottledError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrEnqueueThrottled,
		Message: "The work queue is throttling submissions. Retry with backoff.",
	}
}

// NewDispatchFailedError returns a DISPATCH_FAILED error.
func NewDispatchFailedError(messageID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDispatchFailed,
		Message: fmt.Sprintf("could not start execution for message %q", messageID),
	}
}

// NewStepFailedError returns a STEP_FAILED error for the given state.
func NewStepFailedError(state string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepFailed,
		Message: fmt.Sprintf("state %q failed", state),
	}
}

// NewStepTimeoutError returns a STEP_TIMEOUT error for the given state.
func NewStepTimeoutError(state string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStepTimeout,
		Message: fmt.Sprintf("state %q timed out", state),
	}
}
