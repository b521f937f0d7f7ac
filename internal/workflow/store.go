package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/evalflow/model"
)

// ExecutionStore persists executions and their events.
type ExecutionStore interface {
	// Create persists a new execution. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, exec model.Execution) error

	// Get retrieves an execution by ID. Returns NOT_FOUND if it doesn't exist.
	Get(ctx context.Context, executionID string) (model.Execution, error)

	// Update persists an updated execution with optimistic locking.
	// The version must match the current stored version. Returns CONFLICT if
	// the version has changed. On success the stored version is incremented.
	Update(ctx context.Context, exec model.Execution) error

	// AppendEvent adds an event to the execution's audit trail.
	AppendEvent(ctx context.Context, event model.ExecutionEvent) error

	// GetEvents retrieves all events for an execution in time order.
	GetEvents(ctx context.Context, executionID string) ([]model.ExecutionEvent, error)

	// FindExpired returns running executions whose expires_at is before the
	// given cutoff time.
	FindExpired(ctx context.Context, cutoff time.Time) ([]model.Execution, error)

	HealthCheck(ctx context.Context) error
}
