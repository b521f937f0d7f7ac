// Package evaluator implements the compute step of the evaluation workflow.
package evaluator

import (
	"context"
	"errors"
	"fmt"

	"github.com/pitabwire/evalflow/internal/config"
	"github.com/pitabwire/evalflow/internal/observability"
	"github.com/pitabwire/evalflow/model"
)

// ErrPermanent marks an evaluation failure that retrying cannot fix, such as
// a rejected input. Wrap it with %w.
var ErrPermanent = errors.New("evaluator: permanent failure")

// NamedArtifact is a binary output of an evaluation. Name is relative; the
// workflow places it under the result record id.
type NamedArtifact struct {
	Name        string
	ContentType string
	Data        []byte
}

// Evaluation is the output of the compute step. Document replaces the
// workflow document.
type Evaluation struct {
	Document  model.Document
	Artifacts []NamedArtifact
}

// Evaluator computes a result for a request document. Implementations must be
// idempotent: evaluating the same input twice yields the same result apart
// from timestamps.
type Evaluator interface {
	Evaluate(ctx context.Context, doc model.Document) (Evaluation, error)
	Name() string
}

// New builds the evaluator selected by cfg.Driver.
func New(cfg config.EvaluatorConfig, metrics *observability.Metrics) (Evaluator, error) {
	switch cfg.Driver {
	case "", "default":
		return NewDefault(), nil
	case "http":
		return NewHTTP(cfg, metrics), nil
	default:
		return nil, fmt.Errorf("unknown evaluator driver %q", cfg.Driver)
	}
}
