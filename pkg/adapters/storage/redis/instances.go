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

// InstanceStore persists workflow and task instances in Redis. It is the
// durable system of record: the leader rebuilds its queue and dependency
// graphs from here after a takeover.
type InstanceStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewInstanceStore creates a Redis-backed instance store.
func NewInstanceStore(client *redis.Client, logger *zap.Logger) *InstanceStore {
	return &InstanceStore{
		client: client,
		logger: logger,
	}
}

// SaveWorkflow upserts the workflow record and maintains the active-set
// index used by ListActiveWorkflows.
func (s *InstanceStore) SaveWorkflow(ctx context.Context, wf *domain.WorkflowInstance) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	if err := s.client.Set(ctx, workflowKey(wf.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}

	if wf.Status.Terminal() {
		err = s.client.SRem(ctx, activeWorkflowsKey, wf.ID).Err()
	} else {
		err = s.client.SAdd(ctx, activeWorkflowsKey, wf.ID).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update active index: %w", err)
	}

	s.logger.Debug("workflow saved",
		zap.String("workflow_id", wf.ID),
		zap.String("status", string(wf.Status)))

	return nil
}

// GetWorkflow loads one workflow record.
func (s *InstanceStore) GetWorkflow(ctx context.Context, id string) (*domain.WorkflowInstance, error) {
	data, err := s.client.Get(ctx, workflowKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	var wf domain.WorkflowInstance
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return &wf, nil
}

// ListActiveWorkflows returns every non-terminal workflow. Records that
// disappeared under the index entry are skipped.
func (s *InstanceStore) ListActiveWorkflows(ctx context.Context) ([]*domain.WorkflowInstance, error) {
	ids, err := s.client.SMembers(ctx, activeWorkflowsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read active index: %w", err)
	}

	workflows := make([]*domain.WorkflowInstance, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, workflowKey(id)).Bytes()
		if err != nil {
			continue
		}
		var wf domain.WorkflowInstance
		if err := json.Unmarshal(data, &wf); err != nil {
			continue
		}
		workflows = append(workflows, &wf)
	}
	return workflows, nil
}

// SaveTask upserts the task record and indexes it under its workflow.
func (s *InstanceStore) SaveTask(ctx context.Context, task *domain.TaskInstance) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	if err := s.client.Set(ctx, taskKey(task.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	if err := s.client.SAdd(ctx, workflowTasksKey(task.WorkflowID), task.ID).Err(); err != nil {
		return fmt.Errorf("failed to update task index: %w", err)
	}

	s.logger.Debug("task saved",
		zap.String("task_id", task.ID),
		zap.String("workflow_id", task.WorkflowID),
		zap.String("status", string(task.Status)),
		zap.Int64("epoch", task.AssignmentEpoch))

	return nil
}

// GetTask loads one task record.
func (s *InstanceStore) GetTask(ctx context.Context, id string) (*domain.TaskInstance, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var task domain.TaskInstance
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// ListTasks returns every task of a workflow.
func (s *InstanceStore) ListTasks(ctx context.Context, workflowID string) ([]*domain.TaskInstance, error) {
	ids, err := s.client.SMembers(ctx, workflowTasksKey(workflowID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read task index: %w", err)
	}

	tasks := make([]*domain.TaskInstance, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, taskKey(id)).Bytes()
		if err != nil {
			continue
		}
		var task domain.TaskInstance
		if err := json.Unmarshal(data, &task); err != nil {
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// ExpireWorkflow puts the workflow's records on the retention clock.
// They stay queryable until the TTL fires.
func (s *InstanceStore) ExpireWorkflow(ctx context.Context, id string, retention time.Duration) error {
	ids, err := s.client.SMembers(ctx, workflowTasksKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to read task index: %w", err)
	}
	for _, taskID := range ids {
		if err := s.client.Expire(ctx, taskKey(taskID), retention).Err(); err != nil {
			return fmt.Errorf("failed to expire task: %w", err)
		}
	}
	if err := s.client.Expire(ctx, workflowTasksKey(id), retention).Err(); err != nil {
		return fmt.Errorf("failed to expire task index: %w", err)
	}
	if err := s.client.Expire(ctx, workflowKey(id), retention).Err(); err != nil {
		return fmt.Errorf("failed to expire workflow: %w", err)
	}
	if err := s.client.SRem(ctx, activeWorkflowsKey, id).Err(); err != nil {
		return fmt.Errorf("failed to update active index: %w", err)
	}

	s.logger.Debug("workflow records expiring",
		zap.String("workflow_id", id),
		zap.Duration("retention", retention))

	return nil
}

const activeWorkflowsKey = "taskherd:workflows:active"

func workflowKey(id string) string {
	return fmt.Sprintf("taskherd:workflow:%s", id)
}

func workflowTasksKey(id string) string {
	return fmt.Sprintf("taskherd:workflow:%s:tasks", id)
}

func taskKey(id string) string {
	return fmt.Sprintf("taskherd:task:%s", id)
}
