package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/evalflow/model"
)

// ResultSchema creates the table used by PgResultStore.
const ResultSchema = `
CREATE TABLE IF NOT EXISTS evaluation_results (
	id           TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	document     JSONB NOT NULL,
	artifacts    TEXT[] NOT NULL DEFAULT '{}',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
)`

// PgResultStore is a PostgreSQL-backed ResultStore using pgx/v5.
type PgResultStore struct {
	pool *pgxpool.Pool
}

// NewPgResultStore creates a new PostgreSQL result store.
func NewPgResultStore(pool *pgxpool.Pool) *PgResultStore {
	return &PgResultStore{pool: pool}
}

// Migrate creates the results table if it does not exist.
func (s *PgResultStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, ResultSchema); err != nil {
		return fmt.Errorf("create evaluation_results: %w", err)
	}
	return nil
}

// Put upserts the record.
func (s *PgResultStore) Put(ctx context.Context, rec model.ResultRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("result record id is required")
	}
	docJSON, err := rec.Document.Bytes()
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	artifacts := rec.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO evaluation_results (
			id, execution_id, document, artifacts, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			execution_id = EXCLUDED.execution_id,
			document = EXCLUDED.document,
			artifacts = EXCLUDED.artifacts,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.ExecutionID, docJSON, artifacts, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert result %q: %w", rec.ID, err)
	}
	return nil
}

// Get retrieves a record by id.
func (s *PgResultStore) Get(ctx context.Context, id string) (model.ResultRecord, error) {
	var rec model.ResultRecord
	var docJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, execution_id, document, artifacts, created_at, updated_at
		FROM evaluation_results
		WHERE id = $1`,
		id,
	).Scan(&rec.ID, &rec.ExecutionID, &docJSON, &rec.Artifacts, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ResultRecord{}, fmt.Errorf("result %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.ResultRecord{}, fmt.Errorf("query result %q: %w", id, err)
	}

	doc, err := model.DecodeDocument(docJSON)
	if err != nil {
		return model.ResultRecord{}, fmt.Errorf("unmarshal document: %w", err)
	}
	rec.Document = doc
	if len(rec.Artifacts) == 0 {
		rec.Artifacts = nil
	}
	return rec, nil
}

// HealthCheck pings the database.
func (s *PgResultStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
