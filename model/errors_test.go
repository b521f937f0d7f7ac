package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "execution not found"}
	want := "NOT_FOUND: execution not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestErrorEnvelope_WithCause(t *testing.T) {
	cause := errors.New("connection reset")
	base := NewSubmissionRejectedError("enqueue failed")
	e := base.WithCause(cause)

	if !errors.Is(e, cause) {
		t.Error("errors.Is(e, cause) = false, want true")
	}
	if base.Unwrap() != nil {
		t.Error("WithCause mutated the receiver")
	}
	want := "SUBMISSION_REJECTED: enqueue failed: connection reset"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAsEnvelope_wrapped(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", NewDispatchFailedError("msg-1"))

	ee, ok := AsEnvelope(err)
	if !ok {
		t.Fatal("AsEnvelope() ok = false")
	}
	if ee.Code != ErrDispatchFailed {
		t.Errorf("Code = %q, want %q", ee.Code, ErrDispatchFailed)
	}
	if !HasCode(err, ErrDispatchFailed) {
		t.Error("HasCode() = false, want true")
	}
	if HasCode(errors.New("plain"), ErrDispatchFailed) {
		t.Error("HasCode(plain) = true, want false")
	}
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("resource missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "resource missing" {
		t.Errorf("Message = %q, want %q", e.Message, "resource missing")
	}
}

func TestNewEnqueueThrottledError(t *testing.T) {
	e := NewEnqueueThrottledError()
	if e.Code != ErrEnqueueThrottled {
		t.Errorf("Code = %q, want %q", e.Code, ErrEnqueueThrottled)
	}
	if e.Message == "" {
		t.Error("Message should not be empty")
	}
}

func TestNewStepErrors(t *testing.T) {
	failed := NewStepFailedError(StateEvaluating)
	if failed.Code != ErrStepFailed {
		t.Errorf("Code = %q, want %q", failed.Code, ErrStepFailed)
	}
	timeout := NewStepTimeoutError(StatePublishing)
	if timeout.Code != ErrStepTimeout {
		t.Errorf("Code = %q, want %q", timeout.Code, ErrStepTimeout)
	}
}

func TestNewPayloadTooLargeError(t *testing.T) {
	e := NewPayloadTooLargeError(1024)
	if e.Code != ErrPayloadTooLarge {
		t.Errorf("Code = %q, want %q", e.Code, ErrPayloadTooLarge)
	}
	if e.Message != "request body exceeds 1024 bytes" {
		t.Errorf("Message = %q", e.Message)
	}
}
