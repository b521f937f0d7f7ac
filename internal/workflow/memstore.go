package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/evalflow/model"
)

// MemoryExecutionStore is an in-memory ExecutionStore for tests and local
// development.
type MemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]model.Execution        // key: execution ID
	events     map[string][]model.ExecutionEvent // key: execution ID
}

// NewMemoryExecutionStore creates a new in-memory execution store.
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		executions: make(map[string]model.Execution),
		events:     make(map[string][]model.ExecutionEvent),
	}
}

// Create persists a new execution.
func (s *MemoryExecutionStore) Create(_ context.Context, exec model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("execution %q already exists", exec.ID),
		)
	}

	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

// Get retrieves an execution by ID.
func (s *MemoryExecutionStore) Get(_ context.Context, executionID string) (model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[executionID]
	if !exists {
		return model.Execution{}, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", executionID),
		)
	}
	return copyExecution(exec), nil
}

// Update persists an updated execution with optimistic locking.
func (s *MemoryExecutionStore) Update(_ context.Context, exec model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.executions[exec.ID]
	if !exists {
		return model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", exec.ID),
		)
	}

	if existing.Version != exec.Version {
		return model.NewConflictError(
			fmt.Sprintf("execution %q version conflict (expected %d, got %d)", exec.ID, exec.Version, existing.Version),
		)
	}

	exec.Version++
	exec.UpdatedAt = time.Now().UTC()
	s.executions[exec.ID] = copyExecution(exec)
	return nil
}

// AppendEvent adds an event to the execution's audit trail.
func (s *MemoryExecutionStore) AppendEvent(_ context.Context, event model.ExecutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], event)
	return nil
}

// GetEvents retrieves all events for an execution, ordered by timestamp.
func (s *MemoryExecutionStore) GetEvents(_ context.Context, executionID string) ([]model.ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.executions[executionID]; !exists {
		return nil, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", executionID),
		)
	}

	events := s.events[executionID]
	result := make([]model.ExecutionEvent, len(events))
	copy(result, events)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// FindExpired returns running executions past their expiration time.
func (s *MemoryExecutionStore) FindExpired(_ context.Context, cutoff time.Time) ([]model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Execution
	for _, exec := range s.executions {
		if exec.Status != model.ExecutionStatusRunning {
			continue
		}
		if exec.ExpiresAt == nil || !exec.ExpiresAt.Before(cutoff) {
			continue
		}
		result = append(result, copyExecution(exec))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(*result[j].ExpiresAt)
	})

	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryExecutionStore) HealthCheck(_ context.Context) error { return nil }

// Len returns the total number of executions. For testing.
func (s *MemoryExecutionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.executions)
}

// copyExecution detaches the documents so callers can't mutate stored state.
func copyExecution(exec model.Execution) model.Execution {
	exec.Input = exec.Input.Clone()
	exec.Document = exec.Document.Clone()
	if exec.Error != nil {
		e := *exec.Error
		exec.Error = &e
	}
	if exec.ExpiresAt != nil {
		t := *exec.ExpiresAt
		exec.ExpiresAt = &t
	}
	return exec
}
