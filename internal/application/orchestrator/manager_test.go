package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taskherd/taskherd/internal/application/engine"
	"github.com/taskherd/taskherd/internal/application/registry"
	eventsmem "github.com/taskherd/taskherd/pkg/adapters/events/memory"
	"github.com/taskherd/taskherd/pkg/adapters/metrics/noop"
	queuemem "github.com/taskherd/taskherd/pkg/adapters/queue/memory"
	storagemem "github.com/taskherd/taskherd/pkg/adapters/storage/memory"
	"github.com/taskherd/taskherd/pkg/domain"
)

type dispatchCall struct {
	agentID string
	taskID  string
	epoch   int64
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatches []dispatchCall
	revokes    []dispatchCall
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, agentID string, task *domain.TaskInstance) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dispatches = append(d.dispatches, dispatchCall{agentID: agentID, taskID: task.ID, epoch: task.AssignmentEpoch})
	return nil
}

func (d *fakeDispatcher) Revoke(ctx context.Context, agentID, taskID string, epoch int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revokes = append(d.revokes, dispatchCall{agentID: agentID, taskID: taskID, epoch: epoch})
	return nil
}

func (d *fakeDispatcher) dispatchFor(taskID string) (dispatchCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.dispatches) - 1; i >= 0; i-- {
		if d.dispatches[i].taskID == taskID {
			return d.dispatches[i], true
		}
	}
	return dispatchCall{}, false
}

func (d *fakeDispatcher) revokeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.revokes)
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) handler(ctx context.Context, event domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *eventLog) snapshot() []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) sawType(eventType domain.EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

type testRig struct {
	store      *storagemem.InstanceStore
	states     *storagemem.StateStore
	queue      *queuemem.TaskQueue
	bus        *eventsmem.Bus
	registry   *registry.Registry
	engine     *engine.Engine
	manager    *Manager
	dispatcher *fakeDispatcher
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	store := storagemem.NewInstanceStore()
	states := storagemem.NewStateStore()
	queue := queuemem.NewTaskQueue()
	bus := eventsmem.NewBus()
	t.Cleanup(func() { bus.Close() })
	return attach(t, store, states, queue, bus)
}

// attach builds a registry, engine, and manager over the given stores so
// tests can run two replicas against shared durable state.
func attach(t *testing.T, store *storagemem.InstanceStore, states *storagemem.StateStore, queue *queuemem.TaskQueue, bus *eventsmem.Bus) *testRig {
	t.Helper()
	metrics := noop.NewCollector()
	logger := zap.NewNop()

	reg := registry.NewRegistry(bus, metrics, logger, time.Minute, time.Minute)
	dispatcher := &fakeDispatcher{}
	eng := engine.NewEngine(store, queue, reg, dispatcher, metrics, logger, engine.Options{
		BackoffBase:    5 * time.Millisecond,
		BackoffCap:     50 * time.Millisecond,
		DefaultTimeout: time.Minute,
		RequeueDelay:   5 * time.Millisecond,
	})
	mgr := NewManager(store, states, queue, bus, eng, reg, metrics, logger, time.Minute, 3, time.Hour)
	eng.SetNotifier(mgr)

	return &testRig{
		store:      store,
		states:     states,
		queue:      queue,
		bus:        bus,
		registry:   reg,
		engine:     eng,
		manager:    mgr,
		dispatcher: dispatcher,
	}
}

func (r *testRig) lead(t *testing.T) {
	t.Helper()
	if err := r.manager.Takeover(context.Background()); err != nil {
		t.Fatalf("takeover failed: %v", err)
	}
	t.Cleanup(r.manager.Demote)
	if err := r.registry.Register(context.Background(), "agent-1", []string{"any"}); err != nil {
		t.Fatalf("failed to register agent: %v", err)
	}
}

func (r *testRig) submit(t *testing.T, def *domain.WorkflowDefinition) string {
	t.Helper()
	workflowID, err := r.manager.SubmitWorkflow(context.Background(), def)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return workflowID
}

// finish plays the agent for one task: waits for its dispatch, acks the
// start, then reports the result.
func (r *testRig) finish(t *testing.T, taskID, reportedErr string) {
	t.Helper()
	var call dispatchCall
	waitFor(t, 2*time.Second, func() bool {
		var ok bool
		call, ok = r.dispatcher.dispatchFor(taskID)
		return ok
	})
	if err := r.engine.HandleStart(context.Background(), taskID, call.epoch); err != nil {
		t.Fatalf("start %s: %v", taskID, err)
	}
	if err := r.engine.HandleResult(context.Background(), taskID, call.epoch, json.RawMessage(`{"ok":true}`), reportedErr); err != nil {
		t.Fatalf("result %s: %v", taskID, err)
	}
}

func (r *testRig) workflowStatus(t *testing.T, workflowID string) domain.WorkflowStatus {
	t.Helper()
	wf, err := r.store.GetWorkflow(context.Background(), workflowID)
	if err != nil {
		t.Fatalf("failed to load workflow: %v", err)
	}
	return wf.Status
}

func (r *testRig) taskStatus(t *testing.T, taskID string) domain.TaskStatus {
	t.Helper()
	task, err := r.store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("failed to load task: %v", err)
	}
	return task.Status
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func chainDefinition() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID: "etl",
		Tasks: []domain.TaskDefinition{
			{ID: "extract", Capability: "any", MaxRetries: 1},
			{ID: "load", Capability: "any", DependsOn: []string{"extract"}},
		},
	}
}

func sagaDefinition() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		ID: "payment",
		Tasks: []domain.TaskDefinition{
			{ID: "charge", Capability: "any", MaxRetries: 1, CompensationID: "refund"},
			{ID: "refund", Capability: "any"},
			{ID: "ship", Capability: "any", DependsOn: []string{"charge"}},
		},
	}
}

func TestSubmitWorkflow_RejectsInvalidDefinition(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)

	_, err := rig.manager.SubmitWorkflow(context.Background(), &domain.WorkflowDefinition{
		ID:    "bad",
		Tasks: []domain.TaskDefinition{{ID: "a"}},
	})
	if !errors.Is(err, domain.ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestSubmitWorkflow_RejectsCycle(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)

	_, err := rig.manager.SubmitWorkflow(context.Background(), &domain.WorkflowDefinition{
		ID: "loop",
		Tasks: []domain.TaskDefinition{
			{ID: "a", Capability: "any", DependsOn: []string{"b"}},
			{ID: "b", Capability: "any", DependsOn: []string{"a"}},
		},
	})
	if !errors.Is(err, domain.ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestWorkflow_RunsToCompletion(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.lead(t)

	workflowID := rig.submit(t, chainDefinition())
	log := &eventLog{}
	if err := rig.bus.Subscribe(context.Background(), domain.WorkflowTopic(workflowID), log.handler); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	rig.finish(t, workflowID+":extract", "")
	rig.finish(t, workflowID+":load", "")

	waitFor(t, 2*time.Second, func() bool {
		return rig.workflowStatus(t, workflowID) == domain.WorkflowCompleted
	})
	waitFor(t, 2*time.Second, func() bool {
		return log.sawType(domain.EventWorkflowCompleted)
	})

	if got := rig.taskStatus(t, workflowID+":extract"); got != domain.TaskSucceeded {
		t.Fatalf("extract status = %s, want succeeded", got)
	}
	if got := rig.taskStatus(t, workflowID+":load"); got != domain.TaskSucceeded {
		t.Fatalf("load status = %s, want succeeded", got)
	}

	events := log.snapshot()
	for i := 1; i < len(events); i++ {
		if events[i].Version <= events[i-1].Version {
			t.Fatalf("event versions not increasing: %d then %d (%s after %s)",
				events[i-1].Version, events[i].Version, events[i].Type, events[i-1].Type)
		}
	}
	if last := events[len(events)-1]; last.Type != domain.EventWorkflowCompleted {
		t.Fatalf("last event = %s, want workflow.completed", last.Type)
	}
}

func TestWorkflow_PermanentFailureWakesCompensation(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.lead(t)

	workflowID := rig.submit(t, sagaDefinition())
	rig.finish(t, workflowID+":charge", "card declined")
	rig.finish(t, workflowID+":refund", "")

	waitFor(t, 2*time.Second, func() bool {
		return rig.workflowStatus(t, workflowID) == domain.WorkflowPartiallyFailed
	})

	if got := rig.taskStatus(t, workflowID+":ship"); got != domain.TaskCancelled {
		t.Fatalf("ship status = %s, want cancelled", got)
	}
	if _, dispatched := rig.dispatcher.dispatchFor(workflowID + ":ship"); dispatched {
		t.Fatal("cancelled downstream task should never be dispatched")
	}

	wf, err := rig.store.GetWorkflow(context.Background(), workflowID)
	if err != nil {
		t.Fatalf("failed to load workflow: %v", err)
	}
	if wf.FailureReason == nil || wf.FailureReason.TaskID != workflowID+":charge" {
		t.Fatalf("failure reason = %+v, want charge", wf.FailureReason)
	}
}

func TestWorkflow_PermanentFailureWithoutCompensationFails(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.lead(t)

	workflowID := rig.submit(t, chainDefinition())
	rig.finish(t, workflowID+":extract", "source unreachable")

	waitFor(t, 2*time.Second, func() bool {
		return rig.workflowStatus(t, workflowID) == domain.WorkflowFailed
	})
	if got := rig.taskStatus(t, workflowID+":load"); got != domain.TaskCancelled {
		t.Fatalf("load status = %s, want cancelled", got)
	}
}

func TestWorkflow_UntriggeredCompensationCancelledAtSettlement(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.lead(t)

	workflowID := rig.submit(t, sagaDefinition())
	rig.finish(t, workflowID+":charge", "")
	rig.finish(t, workflowID+":ship", "")

	waitFor(t, 2*time.Second, func() bool {
		return rig.workflowStatus(t, workflowID) == domain.WorkflowCompleted
	})

	if got := rig.taskStatus(t, workflowID+":refund"); got != domain.TaskCancelled {
		t.Fatalf("refund status = %s, want cancelled", got)
	}
	if _, dispatched := rig.dispatcher.dispatchFor(workflowID + ":refund"); dispatched {
		t.Fatal("dormant compensation should never be dispatched")
	}
}

func TestCancelWorkflow_AbortsEverything(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.lead(t)

	workflowID := rig.submit(t, chainDefinition())
	waitFor(t, 2*time.Second, func() bool {
		_, ok := rig.dispatcher.dispatchFor(workflowID + ":extract")
		return ok
	})

	if err := rig.manager.CancelWorkflow(context.Background(), workflowID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	if got := rig.workflowStatus(t, workflowID); got != domain.WorkflowCancelled {
		t.Fatalf("workflow status = %s, want cancelled", got)
	}
	if got := rig.taskStatus(t, workflowID+":extract"); got != domain.TaskCancelled {
		t.Fatalf("extract status = %s, want cancelled", got)
	}
	if got := rig.taskStatus(t, workflowID+":load"); got != domain.TaskCancelled {
		t.Fatalf("load status = %s, want cancelled", got)
	}
	if rig.dispatcher.revokeCount() == 0 {
		t.Fatal("expected a revoke for the in-flight task")
	}

	if err := rig.manager.CancelWorkflow(context.Background(), workflowID); !errors.Is(err, domain.ErrTerminal) {
		t.Fatalf("second cancel = %v, want ErrTerminal", err)
	}
}

func TestTakeover_ResumesMidFlightWorkflow(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	rig.lead(t)

	workflowID := rig.submit(t, chainDefinition())
	rig.finish(t, workflowID+":extract", "")

	var call dispatchCall
	waitFor(t, 2*time.Second, func() bool {
		var ok bool
		call, ok = rig.dispatcher.dispatchFor(workflowID + ":load")
		return ok
	})
	rig.manager.Demote()

	successor := attach(t, rig.store, rig.states, rig.queue, rig.bus)
	if err := successor.manager.Takeover(context.Background()); err != nil {
		t.Fatalf("takeover failed: %v", err)
	}
	t.Cleanup(successor.manager.Demote)

	// The task stayed assigned across the leader change, so the agent's
	// result with the original epoch must still be accepted.
	if err := successor.engine.HandleResult(context.Background(), workflowID+":load", call.epoch, json.RawMessage(`{"rows":10}`), ""); err != nil {
		t.Fatalf("result after takeover: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		return successor.workflowStatus(t, workflowID) == domain.WorkflowCompleted
	})
}

func TestTakeover_FinishesInterruptedFailurePropagation(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)
	ctx := context.Background()

	// A previous leader persisted the permanent failure but crashed
	// before cancelling downstream work or waking the compensation.
	wf := &domain.WorkflowInstance{
		ID:            "wf-1",
		DefinitionID:  "payment",
		Status:        domain.WorkflowRunning,
		CreatedAt:     time.Now().UTC().Add(-time.Minute),
		SchemaVersion: domain.SchemaVersion,
	}
	if err := rig.store.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("seed workflow: %v", err)
	}
	seed := []*domain.TaskInstance{
		{
			ID: "wf-1:charge", WorkflowID: "wf-1", DefinitionID: "charge",
			Capability: "any", Status: domain.TaskFailed, Attempts: 1,
			MaxRetries: 1, Timeout: time.Minute, LastError: "card declined",
			SchemaVersion: domain.SchemaVersion,
		},
		{
			ID: "wf-1:ship", WorkflowID: "wf-1", DefinitionID: "ship",
			Capability: "any", Status: domain.TaskBlocked,
			DependsOn:  []string{"wf-1:charge"},
			MaxRetries: 1, Timeout: time.Minute,
			SchemaVersion: domain.SchemaVersion,
		},
		{
			ID: "wf-1:refund", WorkflowID: "wf-1", DefinitionID: "refund",
			Capability: "any", Status: domain.TaskBlocked,
			Compensation: true, CompensatesTask: "wf-1:charge",
			MaxRetries: 1, Timeout: time.Minute,
			SchemaVersion: domain.SchemaVersion,
		},
	}
	for _, task := range seed {
		if err := rig.store.SaveTask(ctx, task); err != nil {
			t.Fatalf("seed task %s: %v", task.ID, err)
		}
	}

	rig.lead(t)

	if got := rig.taskStatus(t, "wf-1:ship"); got != domain.TaskCancelled {
		t.Fatalf("ship status = %s, want cancelled", got)
	}
	rig.finish(t, "wf-1:refund", "")

	waitFor(t, 2*time.Second, func() bool {
		return rig.workflowStatus(t, "wf-1") == domain.WorkflowPartiallyFailed
	})
}

func TestGetWorkflow_UnknownID(t *testing.T) {
	t.Parallel()
	rig := newTestRig(t)

	_, _, err := rig.manager.GetWorkflow(context.Background(), "missing")
	if !errors.Is(err, domain.ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}
