package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskherd/taskherd/pkg/domain"
)

// StateStore keeps versioned shared state in process memory. The mutex
// around CompareAndSet gives the same exactly-one-winner guarantee the
// Redis script provides.
type StateStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]domain.StateEntry
}

// NewStateStore creates an empty in-memory state store.
func NewStateStore() *StateStore {
	return &StateStore{
		entries: make(map[string]map[string]domain.StateEntry),
	}
}

// Get loads the entry for (workflowID, key).
func (s *StateStore) Get(ctx context.Context, workflowID, key string) (*domain.StateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[workflowID][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrStateNotFound, workflowID, key)
	}
	entryCopy := entry
	return &entryCopy, nil
}

// CompareAndSet writes the entry when entry.Version is exactly one past
// the stored version. On a mismatch it returns the current entry along
// with domain.ErrVersionConflict.
func (s *StateStore) CompareAndSet(ctx context.Context, entry domain.StateEntry) (*domain.StateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	cur, exists := s.entries[entry.WorkflowID][entry.Key]
	if exists {
		current = cur.Version
	}

	if entry.Version != current+1 {
		if !exists {
			cur = domain.StateEntry{WorkflowID: entry.WorkflowID, Key: entry.Key}
		}
		curCopy := cur
		return &curCopy, fmt.Errorf("%w: %s/%s expected %d, have %d",
			domain.ErrVersionConflict, entry.WorkflowID, entry.Key, entry.Version, current)
	}

	if s.entries[entry.WorkflowID] == nil {
		s.entries[entry.WorkflowID] = make(map[string]domain.StateEntry)
	}
	s.entries[entry.WorkflowID][entry.Key] = entry
	stored := entry
	return &stored, nil
}

// List returns every entry of a workflow.
func (s *StateStore) List(ctx context.Context, workflowID string) ([]*domain.StateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*domain.StateEntry, 0, len(s.entries[workflowID]))
	for _, entry := range s.entries[workflowID] {
		entryCopy := entry
		entries = append(entries, &entryCopy)
	}
	return entries, nil
}

// DeleteAll removes every entry of a workflow.
func (s *StateStore) DeleteAll(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, workflowID)
	return nil
}

// Expire is a no-op for retention; in-memory entries live until the
// process exits.
func (s *StateStore) Expire(ctx context.Context, workflowID string, retention time.Duration) error {
	return nil
}
