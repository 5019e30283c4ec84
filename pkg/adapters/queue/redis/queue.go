package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskherd/taskherd/pkg/domain"
)

// pollWindow bounds a single blocking pop so the caller can re-check
// leadership between dequeues.
const pollWindow = time.Second

// TaskQueue implements ports.TaskQueue on a Redis sorted set. The score
// carries priority and depth; members are prefixed with the enqueue
// timestamp so equal scores pop in FIFO order. Only the leader touches
// the queue, so the multi-key updates need no transaction.
type TaskQueue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewTaskQueue creates a Redis-backed task queue.
func NewTaskQueue(client *redis.Client, logger *zap.Logger) *TaskQueue {
	return &TaskQueue{
		client: client,
		logger: logger,
	}
}

// Push enqueues the item.
func (q *TaskQueue) Push(ctx context.Context, item domain.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}

	member := fmt.Sprintf("%020d:%s", item.EnqueuedAt.UnixNano(), item.TaskID)
	err = q.client.ZAdd(ctx, readyKey, redis.Z{
		Score:  float64(item.Score()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push queue item: %w", err)
	}
	if err := q.client.HSet(ctx, itemsKey, item.TaskID, data).Err(); err != nil {
		return fmt.Errorf("failed to store queue item: %w", err)
	}
	if err := q.client.HSet(ctx, membersKey, item.TaskID, member).Err(); err != nil {
		return fmt.Errorf("failed to index queue item: %w", err)
	}

	q.logger.Debug("task enqueued",
		zap.String("task_id", item.TaskID),
		zap.String("workflow_id", item.WorkflowID),
		zap.Int64("score", item.Score()))

	return nil
}

// Pop blocks up to the poll window for the lowest-scored item.
func (q *TaskQueue) Pop(ctx context.Context) (domain.QueueItem, bool, error) {
	res, err := q.client.BZPopMin(ctx, pollWindow, readyKey).Result()
	if err != nil {
		if err == redis.Nil || ctx.Err() != nil {
			return domain.QueueItem{}, false, nil
		}
		return domain.QueueItem{}, false, fmt.Errorf("failed to pop queue item: %w", err)
	}

	member, _ := res.Member.(string)
	taskID := memberTaskID(member)

	data, err := q.client.HGet(ctx, itemsKey, taskID).Bytes()
	if err != nil {
		if err == redis.Nil {
			// The payload vanished under the member, likely a crashed
			// half-finished Remove. Skip it.
			q.logger.Warn("queue member without payload", zap.String("member", member))
			return domain.QueueItem{}, false, nil
		}
		return domain.QueueItem{}, false, fmt.Errorf("failed to load queue item: %w", err)
	}
	q.client.HDel(ctx, itemsKey, taskID)
	q.client.HDel(ctx, membersKey, taskID)

	var item domain.QueueItem
	if err := json.Unmarshal(data, &item); err != nil {
		return domain.QueueItem{}, false, fmt.Errorf("failed to unmarshal queue item: %w", err)
	}
	return item, true, nil
}

// Remove drops a queued task, if present. Popped or never-queued tasks
// are a no-op.
func (q *TaskQueue) Remove(ctx context.Context, taskID string) error {
	member, err := q.client.HGet(ctx, membersKey, taskID).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("failed to look up queue member: %w", err)
	}

	if err := q.client.ZRem(ctx, readyKey, member).Err(); err != nil {
		return fmt.Errorf("failed to remove queue member: %w", err)
	}
	q.client.HDel(ctx, itemsKey, taskID)
	q.client.HDel(ctx, membersKey, taskID)
	return nil
}

// Len reports the number of queued items.
func (q *TaskQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, readyKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

// Clear empties the queue. Used by a new leader before rebuilding from
// the instance store.
func (q *TaskQueue) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, readyKey, itemsKey, membersKey).Err(); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

const (
	readyKey   = "taskherd:queue:ready"
	itemsKey   = "taskherd:queue:items"
	membersKey = "taskherd:queue:members"
)

func memberTaskID(member string) string {
	if i := strings.Index(member, ":"); i >= 0 {
		return member[i+1:]
	}
	return member
}
