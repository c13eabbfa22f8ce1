// Package store provides SummaryStore implementations: a process-local
// in-memory store and a SQLite-backed store for persistence across restarts.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/probemesh/probemesh/stream"
)

// ErrNotFound is returned for an unknown message id.
var ErrNotFound = errors.New("summary not found")

// MemoryStore keeps summaries in a map. Suitable for tests and single-run
// tools that do not need persistence.
type MemoryStore struct {
	mu        sync.RWMutex
	summaries map[string]*stream.Summary
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{summaries: make(map[string]*stream.Summary)}
}

// SaveSummary implements stream.SummaryStore. Saving the same message id
// twice overwrites; the collector only produces one summary per message.
func (s *MemoryStore) SaveSummary(_ context.Context, sum *stream.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[sum.MessageID] = sum
	return nil
}

// GetSummary implements stream.SummaryStore.
func (s *MemoryStore) GetSummary(_ context.Context, messageID string) (*stream.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.summaries[messageID]
	if !ok {
		return nil, ErrNotFound
	}
	return sum, nil
}

// Len reports how many summaries are held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.summaries)
}
