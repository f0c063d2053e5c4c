// Package memory provides an in-memory implementation of the checkpoint
// Store interface. It is a first-class component used both in tests and for
// sources that do not need durability across process restarts.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/riversql/riversql/packages/ingest-go/pkg/checkpoint"
)

// Store implements checkpoint.Store using an in-memory map.
// It is thread-safe for concurrent access.
type Store struct {
	mu          sync.RWMutex
	checkpoints map[string][]byte
}

// New creates an empty in-memory checkpoint store.
func New() *Store {
	return &Store{checkpoints: make(map[string][]byte)}
}

// Save atomically replaces the source's checkpoint.
func (s *Store) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	body, err := cp.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.SourceID] = body
	return nil
}

// Load returns the source's checkpoint, or checkpoint.ErrNotFound.
func (s *Store) Load(ctx context.Context, sourceID string) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	body, ok := s.checkpoints[sourceID]
	s.mu.RUnlock()

	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return checkpoint.Decode(body)
}

// Delete removes the source's checkpoint.
func (s *Store) Delete(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, sourceID)
	return nil
}

// List returns the ids of all checkpointed sources.
func (s *Store) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.checkpoints))
	for id := range s.checkpoints {
		ids = append(ids, id)
	}
	return ids, nil
}

// Close releases the store's resources.
func (s *Store) Close() error {
	return nil
}
