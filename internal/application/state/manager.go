package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskherd/taskherd/pkg/domain"
	"github.com/taskherd/taskherd/pkg/ports"
)

// maxAttempts bounds the compare-and-set retry loop under contention.
const maxAttempts = 5

// Manager applies conflict policies on top of the versioned state store
// and announces applied writes on the workflow topic.
type Manager struct {
	store   ports.StateStore
	bus     ports.EventBus
	metrics ports.MetricsCollector
	logger  *zap.Logger
}

// NewManager creates a state manager.
func NewManager(store ports.StateStore, bus ports.EventBus, metrics ports.MetricsCollector, logger *zap.Logger) *Manager {
	return &Manager{
		store:   store,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// Get returns the current entry for a key.
func (m *Manager) Get(ctx context.Context, workflowID, key string) (*domain.StateEntry, error) {
	return m.store.Get(ctx, workflowID, key)
}

// List returns all entries for a workflow.
func (m *Manager) List(ctx context.Context, workflowID string) ([]*domain.StateEntry, error) {
	return m.store.List(ctx, workflowID)
}

// Put writes a value, resolving version conflicts with the workflow's
// policy. Last-writer-wins compares the writer-supplied logical clock
// and quietly keeps the current entry for the losing side; field merge
// folds non-overlapping incoming fields into the current JSON object;
// reject surfaces ErrConflictRejected so the writing task fails.
//
// The returned entry is what the store holds after arbitration, which
// is not necessarily the caller's value.
func (m *Manager) Put(ctx context.Context, workflowID, key string, value json.RawMessage, writer string, clock int64, policy domain.ConflictPolicy) (*domain.StateEntry, error) {
	expected := int64(0)
	current, err := m.store.Get(ctx, workflowID, key)
	if err == nil {
		expected = current.Version
	} else if !errors.Is(err, domain.ErrStateNotFound) {
		return nil, err
	}

	proposed := value
	for attempt := 0; attempt < maxAttempts; attempt++ {
		entry := domain.StateEntry{
			WorkflowID:    workflowID,
			Key:           key,
			Value:         proposed,
			Version:       expected + 1,
			LastWriter:    writer,
			Clock:         clock,
			UpdatedAt:     time.Now().UTC(),
			SchemaVersion: domain.SchemaVersion,
		}
		stored, err := m.store.CompareAndSet(ctx, entry)
		if err == nil {
			m.publishChange(ctx, stored)
			return stored, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, err
		}
		current = stored

		switch policy {
		case domain.ConflictReject:
			m.metrics.RecordStateConflict(policy, "rejected")
			return current, fmt.Errorf("%w: %s/%s at version %d", domain.ErrConflictRejected, workflowID, key, current.Version)

		case domain.ConflictFieldMerge:
			merged, mergeErr := mergeFields(current.Value, value)
			if mergeErr != nil {
				m.metrics.RecordStateConflict(policy, "rejected")
				return current, fmt.Errorf("%w: %v", domain.ErrConflictRejected, mergeErr)
			}
			m.metrics.RecordStateConflict(policy, "merged")
			proposed = merged
			expected = current.Version

		default:
			if clock <= current.Clock {
				m.metrics.RecordStateConflict(policy, "kept_current")
				return current, nil
			}
			m.metrics.RecordStateConflict(policy, "retried")
			proposed = value
			expected = current.Version
		}
	}

	return nil, fmt.Errorf("failed to write state %s/%s after %d attempts: %w", workflowID, key, maxAttempts, domain.ErrVersionConflict)
}

// DeleteAll removes every entry for a workflow.
func (m *Manager) DeleteAll(ctx context.Context, workflowID string) error {
	return m.store.DeleteAll(ctx, workflowID)
}

func (m *Manager) publishChange(ctx context.Context, entry *domain.StateEntry) {
	event := domain.Event{
		ID:         uuid.New().String(),
		Type:       domain.EventStateChanged,
		WorkflowID: entry.WorkflowID,
		Timestamp:  time.Now().UTC(),
		Version:    entry.Version,
		Payload: map[string]interface{}{
			"key":     entry.Key,
			"version": entry.Version,
			"writer":  entry.LastWriter,
		},
	}
	if err := m.bus.Publish(ctx, domain.WorkflowTopic(entry.WorkflowID), event); err != nil {
		m.logger.Error("failed to publish state change",
			zap.String("workflow_id", entry.WorkflowID),
			zap.String("key", entry.Key),
			zap.Error(err))
		return
	}
	m.metrics.RecordEventPublished(domain.EventStateChanged)
}

// mergeFields folds fields of incoming absent from current into current.
// Both values must be JSON objects; overlapping fields keep the already
// stored value.
func mergeFields(current, incoming json.RawMessage) (json.RawMessage, error) {
	var base map[string]interface{}
	if err := json.Unmarshal(current, &base); err != nil || base == nil {
		return nil, fmt.Errorf("current value is not a JSON object")
	}
	var overlay map[string]interface{}
	if err := json.Unmarshal(incoming, &overlay); err != nil || overlay == nil {
		return nil, fmt.Errorf("incoming value is not a JSON object")
	}

	for field, v := range overlay {
		if _, ok := base[field]; !ok {
			base[field] = v
		}
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged value: %w", err)
	}
	return merged, nil
}
