package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/taskherd/taskherd/pkg/domain"
)

func TestCompareAndSet_FirstWrite(t *testing.T) {
	t.Parallel()

	store := NewStateStore()
	entry := domain.StateEntry{
		WorkflowID: "wf-1",
		Key:        "cursor",
		Value:      json.RawMessage(`{"offset":10}`),
		Version:    1,
		LastWriter: "agent-1",
	}

	stored, err := store.CompareAndSet(context.Background(), entry)
	if err != nil {
		t.Fatalf("CompareAndSet() error = %v", err)
	}
	if stored.Version != 1 {
		t.Errorf("Version = %d, want 1", stored.Version)
	}

	got, err := store.Get(context.Background(), "wf-1", "cursor")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Value) != `{"offset":10}` {
		t.Errorf("Value = %s, want {\"offset\":10}", got.Value)
	}
}

func TestCompareAndSet_StaleVersionRejected(t *testing.T) {
	t.Parallel()

	store := NewStateStore()
	ctx := context.Background()

	if _, err := store.CompareAndSet(ctx, domain.StateEntry{WorkflowID: "wf-1", Key: "k", Version: 1}); err != nil {
		t.Fatalf("CompareAndSet() error = %v", err)
	}
	if _, err := store.CompareAndSet(ctx, domain.StateEntry{WorkflowID: "wf-1", Key: "k", Version: 2}); err != nil {
		t.Fatalf("CompareAndSet() error = %v", err)
	}

	// A writer that read version 1 proposes 2 again.
	current, err := store.CompareAndSet(ctx, domain.StateEntry{WorkflowID: "wf-1", Key: "k", Version: 2})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if current.Version != 2 {
		t.Errorf("conflict returned version %d, want 2", current.Version)
	}
}

func TestCompareAndSet_FirstWriteMustProposeOne(t *testing.T) {
	t.Parallel()

	store := NewStateStore()
	current, err := store.CompareAndSet(context.Background(), domain.StateEntry{WorkflowID: "wf-1", Key: "k", Version: 5})
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if current.Version != 0 {
		t.Errorf("conflict returned version %d, want 0", current.Version)
	}
}

func TestCompareAndSet_ConcurrentWritersExactlyOneWinner(t *testing.T) {
	t.Parallel()

	store := NewStateStore()
	ctx := context.Background()

	const writers = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, conflicts int

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.CompareAndSet(ctx, domain.StateEntry{
				WorkflowID: "wf-1",
				Key:        "counter",
				Value:      json.RawMessage(fmt.Sprintf(`{"writer":%d}`, n)),
				Version:    1,
				LastWriter: fmt.Sprintf("agent-%d", n),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, domain.ErrVersionConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want exactly 1", wins)
	}
	if conflicts != writers-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, writers-1)
	}

	got, err := store.Get(ctx, "wf-1", "counter")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Version != 1 {
		t.Errorf("final version = %d, want 1", got.Version)
	}
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()

	store := NewStateStore()
	if _, err := store.Get(context.Background(), "wf-1", "missing"); !errors.Is(err, domain.ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestDeleteAll(t *testing.T) {
	t.Parallel()

	store := NewStateStore()
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		if _, err := store.CompareAndSet(ctx, domain.StateEntry{WorkflowID: "wf-1", Key: key, Version: 1}); err != nil {
			t.Fatalf("CompareAndSet() error = %v", err)
		}
	}
	if err := store.DeleteAll(ctx, "wf-1"); err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	entries, err := store.List(ctx, "wf-1")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("List() returned %d entries after DeleteAll, want 0", len(entries))
	}
}
