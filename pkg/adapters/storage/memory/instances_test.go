package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/taskherd/taskherd/pkg/domain"
)

func TestInstanceStore_WorkflowRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewInstanceStore()
	ctx := context.Background()

	wf := &domain.WorkflowInstance{
		ID:     "wf-1",
		Status: domain.WorkflowRunning,
	}
	if err := store.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("SaveWorkflow() error = %v", err)
	}

	got, err := store.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow() error = %v", err)
	}
	if got.Status != domain.WorkflowRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}

	// The stored record must not alias the caller's copy.
	got.Status = domain.WorkflowFailed
	again, err := store.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetWorkflow() error = %v", err)
	}
	if again.Status != domain.WorkflowRunning {
		t.Errorf("stored record mutated through a returned pointer")
	}
}

func TestInstanceStore_ListActiveExcludesTerminal(t *testing.T) {
	t.Parallel()

	store := NewInstanceStore()
	ctx := context.Background()

	for id, status := range map[string]domain.WorkflowStatus{
		"wf-running":   domain.WorkflowRunning,
		"wf-pending":   domain.WorkflowPending,
		"wf-completed": domain.WorkflowCompleted,
		"wf-failed":    domain.WorkflowFailed,
	} {
		if err := store.SaveWorkflow(ctx, &domain.WorkflowInstance{ID: id, Status: status}); err != nil {
			t.Fatalf("SaveWorkflow() error = %v", err)
		}
	}

	active, err := store.ListActiveWorkflows(ctx)
	if err != nil {
		t.Fatalf("ListActiveWorkflows() error = %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("ListActiveWorkflows() returned %d, want 2", len(active))
	}
	for _, wf := range active {
		if wf.Status.Terminal() {
			t.Errorf("active list contains terminal workflow %s", wf.ID)
		}
	}
}

func TestInstanceStore_TasksIndexedByWorkflow(t *testing.T) {
	t.Parallel()

	store := NewInstanceStore()
	ctx := context.Background()

	for _, task := range []*domain.TaskInstance{
		{ID: "t1", WorkflowID: "wf-1", DefinitionID: "extract"},
		{ID: "t2", WorkflowID: "wf-1", DefinitionID: "load"},
		{ID: "t3", WorkflowID: "wf-2", DefinitionID: "other"},
	} {
		if err := store.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask() error = %v", err)
		}
	}

	tasks, err := store.ListTasks(ctx, "wf-1")
	if err != nil {
		t.Fatalf("ListTasks() error = %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("ListTasks(wf-1) returned %d, want 2", len(tasks))
	}
	if tasks[0].ID != "t1" || tasks[1].ID != "t2" {
		t.Errorf("ListTasks order = %s,%s, want t1,t2", tasks[0].ID, tasks[1].ID)
	}
}

func TestInstanceStore_GetTaskNotFound(t *testing.T) {
	t.Parallel()

	store := NewInstanceStore()
	if _, err := store.GetTask(context.Background(), "missing"); !errors.Is(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}
