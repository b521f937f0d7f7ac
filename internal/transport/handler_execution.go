package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/evalflow/internal/store"
	"github.com/pitabwire/evalflow/model"
)

// ExecutionReader returns an execution with its event history.
// *workflow.Engine satisfies it.
type ExecutionReader interface {
	Get(ctx context.Context, executionID string) (model.ExecutionDescriptor, error)
}

func handleGetExecution(executions ExecutionReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "executionId")

		desc, err := executions.Get(r.Context(), id)
		if err != nil {
			WriteError(w, withTraceID(r, err))
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}

func handleGetResult(results store.ResultStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, err := results.Get(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			WriteError(w, withTraceID(r, model.NewNotFoundError("result "+id+" not found")))
			return
		}
		if err != nil {
			WriteError(w, withTraceID(r, err))
			return
		}
		WriteJSON(w, http.StatusOK, rec)
	}
}
