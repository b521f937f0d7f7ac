// Package transport contains the HTTP router, middleware chain, and request
// handlers for the submission gateway and its read endpoints.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/evalflow/internal/observability"
	"github.com/pitabwire/evalflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrPayloadTooLarge:    http.StatusRequestEntityTooLarge,
	model.ErrSubmissionRejected: http.StatusBadRequest,
	model.ErrEnqueueThrottled:   http.StatusTooManyRequests,
	model.ErrDispatchFailed:     http.StatusBadGateway,
	model.ErrStepFailed:         http.StatusBadGateway,
	model.ErrStepTimeout:        http.StatusGatewayTimeout,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. If err carries no *ErrorEnvelope, a generic 500 is
// returned.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteErrorStatus writes ee with an explicit status, for codes whose status
// depends on where they were raised.
func WriteErrorStatus(w http.ResponseWriter, status int, ee *model.ErrorEnvelope) {
	WriteJSON(w, status, errorResponse{Error: ee})
}

// withTraceID stamps the request's trace id on a copy of the envelope in err.
func withTraceID(r *http.Request, err error) error {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		return err
	}
	traceID := observability.TraceIDFromContext(r.Context())
	if traceID == "" {
		if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
			traceID = rctx.TraceID
		}
	}
	if traceID == "" {
		return ee
	}
	cp := *ee
	cp.TraceID = traceID
	return &cp
}
