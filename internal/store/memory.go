package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/evalflow/model"
)

// MemoryResultStore is an in-memory ResultStore for tests and local runs.
type MemoryResultStore struct {
	mu      sync.RWMutex
	records map[string]model.ResultRecord
}

// NewMemoryResultStore creates an empty result store.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{records: make(map[string]model.ResultRecord)}
}

// Put stores a deep copy of rec.
func (s *MemoryResultStore) Put(_ context.Context, rec model.ResultRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("result record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if existing, ok := s.records[rec.ID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	s.records[rec.ID] = copyRecord(rec)
	return nil
}

// Get returns a copy of the record with the given id.
func (s *MemoryResultStore) Get(_ context.Context, id string) (model.ResultRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return model.ResultRecord{}, fmt.Errorf("result %q: %w", id, ErrNotFound)
	}
	return copyRecord(rec), nil
}

// IDs returns the stored record ids in sorted order.
func (s *MemoryResultStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HealthCheck always succeeds.
func (s *MemoryResultStore) HealthCheck(_ context.Context) error { return nil }

func copyRecord(rec model.ResultRecord) model.ResultRecord {
	rec.Document = rec.Document.Clone()
	if rec.Artifacts != nil {
		rec.Artifacts = append([]string(nil), rec.Artifacts...)
	}
	return rec
}

// MemoryArtifactStore is an in-memory ArtifactStore.
type MemoryArtifactStore struct {
	mu        sync.RWMutex
	artifacts map[string]model.Artifact
}

// NewMemoryArtifactStore creates an empty artifact store.
func NewMemoryArtifactStore() *MemoryArtifactStore {
	return &MemoryArtifactStore{artifacts: make(map[string]model.Artifact)}
}

// Put stores a copy of art.
func (s *MemoryArtifactStore) Put(_ context.Context, art model.Artifact) error {
	if art.Key == "" {
		return fmt.Errorf("artifact key is required")
	}
	art.Data = append([]byte(nil), art.Data...)
	s.mu.Lock()
	s.artifacts[art.Key] = art
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the artifact stored under key.
func (s *MemoryArtifactStore) Get(_ context.Context, key string) (model.Artifact, error) {
	s.mu.RLock()
	art, ok := s.artifacts[key]
	s.mu.RUnlock()
	if !ok {
		return model.Artifact{}, fmt.Errorf("artifact %q: %w", key, ErrNotFound)
	}
	art.Data = append([]byte(nil), art.Data...)
	return art, nil
}

// Len returns the number of stored artifacts.
func (s *MemoryArtifactStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.artifacts)
}

// HealthCheck always succeeds.
func (s *MemoryArtifactStore) HealthCheck(_ context.Context) error { return nil }
