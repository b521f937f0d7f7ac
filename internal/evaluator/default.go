package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/evalflow/model"
)

// InputArtifact is the name of the artifact holding the canonical input.
const InputArtifact = "input.json"

// Default is the built-in evaluator. It fingerprints the input and echoes it
// back; the output depends only on the input apart from evaluated_at.
type Default struct {
	now func() time.Time
}

// NewDefault creates the built-in evaluator.
func NewDefault() *Default {
	return &Default{now: time.Now}
}

// Name returns "default".
func (d *Default) Name() string { return "default" }

// Evaluate returns the result document and the canonical input as an
// artifact.
func (d *Default) Evaluate(ctx context.Context, doc model.Document) (Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return Evaluation{}, err
	}
	input, err := doc.Bytes()
	if err != nil {
		return Evaluation{}, fmt.Errorf("%w: encode input: %v", ErrPermanent, err)
	}

	out := model.Document{
		"status":       "evaluated",
		"input_sha256": doc.Hash(),
		"field_count":  len(doc),
		"evaluated_at": d.now().UTC().Format(time.RFC3339Nano),
		"input":        doc.Clone(),
	}
	if id := doc.ID(); id != "" {
		out[model.FieldID] = id
	}

	return Evaluation{
		Document: out,
		Artifacts: []NamedArtifact{{
			Name:        InputArtifact,
			ContentType: "application/json",
			Data:        input,
		}},
	}, nil
}
