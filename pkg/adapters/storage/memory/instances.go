package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskherd/taskherd/pkg/domain"
)

// InstanceStore keeps workflow and task records in process memory for
// tests and single-node runs. Records are copied on the way in and out
// so callers cannot mutate stored state.
type InstanceStore struct {
	mu        sync.RWMutex
	workflows map[string]domain.WorkflowInstance
	tasks     map[string]domain.TaskInstance
	byWf      map[string][]string
}

// NewInstanceStore creates an empty in-memory instance store.
func NewInstanceStore() *InstanceStore {
	return &InstanceStore{
		workflows: make(map[string]domain.WorkflowInstance),
		tasks:     make(map[string]domain.TaskInstance),
		byWf:      make(map[string][]string),
	}
}

// SaveWorkflow upserts the workflow record.
func (s *InstanceStore) SaveWorkflow(ctx context.Context, wf *domain.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[wf.ID] = *wf
	return nil
}

// GetWorkflow loads one workflow record.
func (s *InstanceStore) GetWorkflow(ctx context.Context, id string) (*domain.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
	}
	wfCopy := wf
	return &wfCopy, nil
}

// ListActiveWorkflows returns every non-terminal workflow.
func (s *InstanceStore) ListActiveWorkflows(ctx context.Context) ([]*domain.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*domain.WorkflowInstance
	for _, wf := range s.workflows {
		if wf.Status.Terminal() {
			continue
		}
		wfCopy := wf
		active = append(active, &wfCopy)
	}
	return active, nil
}

// SaveTask upserts the task record and indexes it under its workflow.
func (s *InstanceStore) SaveTask(ctx context.Context, task *domain.TaskInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; !ok {
		s.byWf[task.WorkflowID] = append(s.byWf[task.WorkflowID], task.ID)
	}
	s.tasks[task.ID] = *task
	return nil
}

// GetTask loads one task record.
func (s *InstanceStore) GetTask(ctx context.Context, id string) (*domain.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	taskCopy := task
	return &taskCopy, nil
}

// ListTasks returns every task of a workflow in creation order.
func (s *InstanceStore) ListTasks(ctx context.Context, workflowID string) ([]*domain.TaskInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byWf[workflowID]
	tasks := make([]*domain.TaskInstance, 0, len(ids))
	for _, id := range ids {
		if task, ok := s.tasks[id]; ok {
			taskCopy := task
			tasks = append(tasks, &taskCopy)
		}
	}
	return tasks, nil
}

// ExpireWorkflow is a no-op for retention; in-memory records live until
// the process exits.
func (s *InstanceStore) ExpireWorkflow(ctx context.Context, id string, retention time.Duration) error {
	return nil
}
