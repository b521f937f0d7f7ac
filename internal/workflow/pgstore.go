package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/evalflow/model"
)

// ExecutionSchema creates the tables used by PgExecutionStore.
var ExecutionSchema = []string{`
CREATE TABLE IF NOT EXISTS workflow_executions (
	id              TEXT PRIMARY KEY,
	workflow_id     TEXT NOT NULL,
	request_id      TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL DEFAULT '',
	message_id      TEXT NOT NULL DEFAULT '',
	current_state   TEXT NOT NULL,
	status          TEXT NOT NULL,
	input           JSONB NOT NULL,
	document        JSONB NOT NULL,
	error           JSONB,
	version         INTEGER NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ
)`, `
CREATE INDEX IF NOT EXISTS workflow_executions_expiry
	ON workflow_executions (expires_at) WHERE status = 'running'`, `
CREATE TABLE IF NOT EXISTS workflow_execution_events (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL REFERENCES workflow_executions (id),
	state        TEXT NOT NULL,
	event        TEXT NOT NULL,
	data         JSONB,
	comment      TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
)`, `
CREATE INDEX IF NOT EXISTS workflow_execution_events_execution
	ON workflow_execution_events (execution_id, created_at)`,
}

const executionColumns = `id, workflow_id, request_id, idempotency_key, message_id,
	current_state, status, input, document, error, version,
	created_at, updated_at, expires_at`

// PgExecutionStore is a PostgreSQL-backed ExecutionStore using pgx/v5.
type PgExecutionStore struct {
	pool *pgxpool.Pool
}

// NewPgExecutionStore creates a new PostgreSQL execution store.
func NewPgExecutionStore(pool *pgxpool.Pool) *PgExecutionStore {
	return &PgExecutionStore{pool: pool}
}

// Migrate creates the execution tables if they do not exist.
func (s *PgExecutionStore) Migrate(ctx context.Context) error {
	for _, stmt := range ExecutionSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate execution store: %w", err)
		}
	}
	return nil
}

// Create inserts a new execution.
func (s *PgExecutionStore) Create(ctx context.Context, exec model.Execution) error {
	input, doc, errJSON, err := marshalExecution(exec)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING`,
		exec.ID, exec.WorkflowID, exec.RequestID, exec.IdempotencyKey, exec.MessageID,
		exec.CurrentState, exec.Status, input, doc, errJSON, exec.Version,
		exec.CreatedAt, exec.UpdatedAt, exec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("execution %q already exists", exec.ID),
		)
	}
	return nil
}

// Get retrieves an execution by ID.
func (s *PgExecutionStore) Get(ctx context.Context, executionID string) (model.Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+executionColumns+`
		FROM workflow_executions
		WHERE id = $1`,
		executionID,
	)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Execution{}, model.NewNotFoundError(
			fmt.Sprintf("execution %q not found", executionID),
		)
	}
	if err != nil {
		return model.Execution{}, fmt.Errorf("query execution: %w", err)
	}
	return exec, nil
}

// Update persists an updated execution with optimistic locking.
func (s *PgExecutionStore) Update(ctx context.Context, exec model.Execution) error {
	_, doc, errJSON, err := marshalExecution(exec)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_executions SET
			current_state = $1,
			status = $2,
			document = $3,
			error = $4,
			version = $5,
			updated_at = $6,
			expires_at = $7
		WHERE id = $8 AND version = $9`,
		exec.CurrentState, exec.Status, doc, errJSON, exec.Version+1,
		time.Now().UTC(), exec.ExpiresAt,
		exec.ID, exec.Version,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("execution %q version conflict (expected %d)", exec.ID, exec.Version),
		)
	}
	return nil
}

// AppendEvent adds an event to the execution audit trail.
func (s *PgExecutionStore) AppendEvent(ctx context.Context, event model.ExecutionEvent) error {
	var dataJSON []byte
	if event.Data != nil {
		var err error
		if dataJSON, err = json.Marshal(event.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_execution_events (
			id, execution_id, state, event, data, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.ExecutionID, event.State, event.Event,
		dataJSON, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert execution event: %w", err)
	}
	return nil
}

// GetEvents retrieves all events for an execution.
func (s *PgExecutionStore) GetEvents(ctx context.Context, executionID string) ([]model.ExecutionEvent, error) {
	if _, err := s.Get(ctx, executionID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, state, event, data, comment, created_at
		FROM workflow_execution_events
		WHERE execution_id = $1
		ORDER BY created_at ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query execution events: %w", err)
	}
	defer rows.Close()

	events := []model.ExecutionEvent{}
	for rows.Next() {
		var evt model.ExecutionEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.ExecutionID, &evt.State, &evt.Event,
			&dataJSON, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan execution event: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &evt.Data)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// FindExpired returns running executions past their expiration time.
func (s *PgExecutionStore) FindExpired(ctx context.Context, cutoff time.Time) ([]model.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+`
		FROM workflow_executions
		WHERE status = 'running' AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY expires_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query expired executions: %w", err)
	}
	defer rows.Close()

	var executions []model.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		executions = append(executions, exec)
	}
	return executions, rows.Err()
}

// HealthCheck pings the database.
func (s *PgExecutionStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func marshalExecution(exec model.Execution) (input, doc, errJSON []byte, err error) {
	if input, err = exec.Input.Bytes(); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal input: %w", err)
	}
	if doc, err = exec.Document.Bytes(); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal document: %w", err)
	}
	if exec.Error != nil {
		if errJSON, err = json.Marshal(exec.Error); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal error: %w", err)
		}
	}
	return input, doc, errJSON, nil
}

func scanExecution(row pgx.Row) (model.Execution, error) {
	var exec model.Execution
	var input, doc, errJSON []byte
	if err := row.Scan(
		&exec.ID, &exec.WorkflowID, &exec.RequestID, &exec.IdempotencyKey, &exec.MessageID,
		&exec.CurrentState, &exec.Status, &input, &doc, &errJSON, &exec.Version,
		&exec.CreatedAt, &exec.UpdatedAt, &exec.ExpiresAt,
	); err != nil {
		return model.Execution{}, err
	}

	var err error
	if exec.Input, err = model.DecodeDocument(input); err != nil {
		return model.Execution{}, fmt.Errorf("decode input: %w", err)
	}
	if exec.Document, err = model.DecodeDocument(doc); err != nil {
		return model.Execution{}, fmt.Errorf("decode document: %w", err)
	}
	if errJSON != nil {
		exec.Error = &model.StepError{}
		if err := json.Unmarshal(errJSON, exec.Error); err != nil {
			return model.Execution{}, fmt.Errorf("decode error: %w", err)
		}
	}
	return exec, nil
}
