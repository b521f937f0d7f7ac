// Package store holds the result store, keyed by request id, and the
// artifact store for evaluator outputs. Neither exposes a delete operation:
// records and artifacts are retained.
package store

import (
	"context"
	"errors"

	"github.com/pitabwire/evalflow/model"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: not found")

// ResultStore persists result records. Put overwrites an existing record with
// the same ID, keeping its original CreatedAt.
type ResultStore interface {
	Put(ctx context.Context, rec model.ResultRecord) error
	Get(ctx context.Context, id string) (model.ResultRecord, error)
	HealthCheck(ctx context.Context) error
}

// ArtifactStore persists binary artifacts. Put overwrites an existing key.
type ArtifactStore interface {
	Put(ctx context.Context, art model.Artifact) error
	Get(ctx context.Context, key string) (model.Artifact, error)
	HealthCheck(ctx context.Context) error
}
