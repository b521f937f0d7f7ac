package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	owner     Owner
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Claim takes ownership of key unless a live claim exists.
func (s *MemoryStore) Claim(_ context.Context, key, executionID string, ttl time.Duration) (Owner, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return e.owner, e.owner.ExecutionID == executionID, nil
	}
	owner := Owner{ExecutionID: executionID, ClaimedAt: now}
	s.entries[key] = memEntry{owner: owner, expiresAt: now.Add(ttl)}
	return owner, true, nil
}

// Get returns the live claim for key.
func (s *MemoryStore) Get(_ context.Context, key string) (Owner, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Owner{}, false, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return Owner{}, false, nil
	}
	return e.owner, true, nil
}

// Release drops the claim if executionID still owns it.
func (s *MemoryStore) Release(_ context.Context, key, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.owner.ExecutionID == executionID {
		delete(s.entries, key)
	}
	return nil
}

// ClaimAt records a claim with an explicit claim time. For testing.
func (s *MemoryStore) ClaimAt(key, executionID string, claimedAt time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		owner:     Owner{ExecutionID: executionID, ClaimedAt: claimedAt},
		expiresAt: claimedAt.Add(ttl),
	}
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(_ context.Context) error { return nil }
