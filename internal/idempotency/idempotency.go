// Package idempotency deduplicates workflow starts for redelivered queue
// messages. A key is claimed by the execution that first sees it; later
// deliveries with the same key reuse that execution.
package idempotency

import (
	"context"
	"time"

	"github.com/pitabwire/evalflow/model"
)

// Owner is the execution holding a key and the time it took the key.
type Owner struct {
	ExecutionID string
	ClaimedAt   time.Time
}

// Store maps idempotency keys to the execution that claimed them.
type Store interface {
	// Claim associates key with executionID if the key is unclaimed or
	// expired. It returns the owner and whether this call became the owner.
	Claim(ctx context.Context, key, executionID string, ttl time.Duration) (owner Owner, claimed bool, err error)

	// Get returns the owner, if any.
	Get(ctx context.Context, key string) (owner Owner, found bool, err error)

	// Release removes the claim if it is still owned by executionID, so a
	// later delivery can start a fresh execution.
	Release(ctx context.Context, key, executionID string) error

	HealthCheck(ctx context.Context) error
}

// Key derives the idempotency key for a request document. Requests with an
// id are keyed by id and content, so a resubmission with changed content is
// a new request; requests without one are keyed by content alone.
func Key(doc model.Document) string {
	hash := doc.Hash()
	if id := doc.ID(); id != "" {
		return "req:" + id + ":" + hash
	}
	return "doc:" + hash
}
