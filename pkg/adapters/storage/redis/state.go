package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskherd/taskherd/pkg/domain"
)

// casScript accepts a write only when the proposed version equals the
// stored version plus one. Running it server-side makes concurrent
// writers with the same expected version resolve to exactly one winner.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
local curver = 0
if cur then
  local ok, decoded = pcall(cjson.decode, cur)
  if ok and decoded['version'] then
    curver = decoded['version']
  end
end
if tonumber(ARGV[2]) == curver + 1 then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
  return {1, ARGV[3]}
end
return {0, cur or ''}
`)

// StateStore persists versioned shared state in Redis, one hash per
// workflow with one field per key.
type StateStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewStateStore creates a Redis-backed state store.
func NewStateStore(client *redis.Client, logger *zap.Logger) *StateStore {
	return &StateStore{
		client: client,
		logger: logger,
	}
}

// Get loads the entry for (workflowID, key).
func (s *StateStore) Get(ctx context.Context, workflowID, key string) (*domain.StateEntry, error) {
	data, err := s.client.HGet(ctx, stateKey(workflowID), key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s/%s", domain.ErrStateNotFound, workflowID, key)
		}
		return nil, fmt.Errorf("failed to get state entry: %w", err)
	}

	var entry domain.StateEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state entry: %w", err)
	}
	return &entry, nil
}

// CompareAndSet writes the entry when entry.Version is exactly one past
// the stored version. On a mismatch it returns the current entry along
// with domain.ErrVersionConflict.
func (s *StateStore) CompareAndSet(ctx context.Context, entry domain.StateEntry) (*domain.StateEntry, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state entry: %w", err)
	}

	res, err := casScript.Run(ctx, s.client,
		[]string{stateKey(entry.WorkflowID)},
		entry.Key, entry.Version, string(payload)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to run compare-and-set: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, fmt.Errorf("unexpected compare-and-set reply: %v", res)
	}
	accepted, _ := reply[0].(int64)
	currentRaw, _ := reply[1].(string)

	if accepted == 1 {
		s.logger.Debug("state entry written",
			zap.String("workflow_id", entry.WorkflowID),
			zap.String("key", entry.Key),
			zap.Int64("version", entry.Version),
			zap.String("writer", entry.LastWriter))
		stored := entry
		return &stored, nil
	}

	// First write raced or the caller read a stale version. An empty
	// reply means no entry exists yet and the proposal skipped version 1.
	current := &domain.StateEntry{
		WorkflowID: entry.WorkflowID,
		Key:        entry.Key,
	}
	if currentRaw != "" {
		if err := json.Unmarshal([]byte(currentRaw), current); err != nil {
			return nil, fmt.Errorf("failed to unmarshal current state entry: %w", err)
		}
	}
	return current, fmt.Errorf("%w: %s/%s expected %d, have %d",
		domain.ErrVersionConflict, entry.WorkflowID, entry.Key, entry.Version, current.Version)
}

// List returns every entry of a workflow.
func (s *StateStore) List(ctx context.Context, workflowID string) ([]*domain.StateEntry, error) {
	fields, err := s.client.HGetAll(ctx, stateKey(workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list state entries: %w", err)
	}

	entries := make([]*domain.StateEntry, 0, len(fields))
	for _, data := range fields {
		var entry domain.StateEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// DeleteAll removes every entry of a workflow.
func (s *StateStore) DeleteAll(ctx context.Context, workflowID string) error {
	if err := s.client.Del(ctx, stateKey(workflowID)).Err(); err != nil {
		return fmt.Errorf("failed to delete state entries: %w", err)
	}
	return nil
}

// Expire puts the workflow's entries on the retention clock.
func (s *StateStore) Expire(ctx context.Context, workflowID string, retention time.Duration) error {
	if err := s.client.Expire(ctx, stateKey(workflowID), retention).Err(); err != nil {
		return fmt.Errorf("failed to expire state entries: %w", err)
	}
	return nil
}

func stateKey(workflowID string) string {
	return fmt.Sprintf("taskherd:state:%s", workflowID)
}
