package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskherd/taskherd/internal/application/engine"
	"github.com/taskherd/taskherd/internal/application/graph"
	"github.com/taskherd/taskherd/internal/application/registry"
	"github.com/taskherd/taskherd/pkg/domain"
	"github.com/taskherd/taskherd/pkg/ports"
)

// Manager owns workflow lifecycles: it admits definitions, materializes
// task instances, folds engine callbacks into the dependency graph, and
// derives terminal workflow status once every task settles. One manager
// runs per replica, but only the leader's write paths are active.
type Manager struct {
	store    ports.InstanceStore
	states   ports.StateStore
	queue    ports.TaskQueue
	bus      ports.EventBus
	engine   *engine.Engine
	registry *registry.Registry
	metrics  ports.MetricsCollector
	logger   *zap.Logger

	defaultTimeout time.Duration
	defaultRetries int
	retention      time.Duration

	mu        sync.Mutex
	workflows map[string]*workflowState
}

// workflowState serializes all graph mutations and event publishing for
// one workflow, which is what keeps per-workflow events in causal order.
type workflowState struct {
	mu    sync.Mutex
	graph *graph.Graph
}

// NewManager creates an orchestrator manager.
func NewManager(
	store ports.InstanceStore,
	states ports.StateStore,
	queue ports.TaskQueue,
	bus ports.EventBus,
	eng *engine.Engine,
	reg *registry.Registry,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
	defaultTimeout time.Duration,
	defaultRetries int,
	retention time.Duration,
) *Manager {
	return &Manager{
		store:          store,
		states:         states,
		queue:          queue,
		bus:            bus,
		engine:         eng,
		registry:       reg,
		metrics:        metrics,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		defaultRetries: defaultRetries,
		retention:      retention,
		workflows:      make(map[string]*workflowState),
	}
}

func taskInstanceID(workflowID, taskDefID string) string {
	return workflowID + ":" + taskDefID
}

// SubmitWorkflow validates a definition, materializes its task
// instances, and enqueues the dependency-free ones. It returns the new
// instance id without waiting for any execution.
func (m *Manager) SubmitWorkflow(ctx context.Context, def *domain.WorkflowDefinition) (string, error) {
	if err := def.Validate(); err != nil {
		m.metrics.RecordWorkflowSubmitted(false)
		m.logger.Warn("workflow definition rejected",
			zap.String("definition_id", def.ID),
			zap.Error(err))
		return "", err
	}
	depths, err := graph.Plan(def)
	if err != nil {
		m.metrics.RecordWorkflowSubmitted(false)
		m.logger.Warn("workflow definition rejected",
			zap.String("definition_id", def.ID),
			zap.Error(err))
		return "", err
	}

	workflowID := uuid.New().String()
	now := time.Now().UTC()
	wf := &domain.WorkflowInstance{
		ID:            workflowID,
		DefinitionID:  def.ID,
		Definition:    *def,
		Status:        domain.WorkflowPending,
		Priority:      def.Priority,
		CreatedAt:     now,
		SchemaVersion: domain.SchemaVersion,
	}
	tasks, err := m.materialize(def, depths, workflowID, now)
	if err != nil {
		m.metrics.RecordWorkflowSubmitted(false)
		return "", err
	}

	if err := m.store.SaveWorkflow(ctx, wf); err != nil {
		m.metrics.RecordWorkflowSubmitted(false)
		return "", fmt.Errorf("failed to save workflow: %w", err)
	}
	for _, task := range tasks {
		if err := m.store.SaveTask(ctx, task); err != nil {
			m.metrics.RecordWorkflowSubmitted(false)
			return "", fmt.Errorf("failed to save task %s: %w", task.ID, err)
		}
	}

	ws := &workflowState{graph: graph.Build(tasks)}
	m.mu.Lock()
	m.workflows[workflowID] = ws
	m.metrics.SetActiveWorkflows(len(m.workflows))
	m.mu.Unlock()

	ws.mu.Lock()
	m.publishEventLocked(ctx, wf, domain.EventWorkflowSubmitted, "", map[string]interface{}{
		"definition_id": def.ID,
		"tasks":         len(tasks),
	})
	for _, task := range tasks {
		if task.Status != domain.TaskReady {
			continue
		}
		if err := m.queue.Push(ctx, domain.NewQueueItem(task)); err != nil {
			m.logger.Error("failed to enqueue task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		m.publishEventLocked(ctx, wf, domain.EventTaskReady, task.ID, nil)
	}
	ws.mu.Unlock()

	m.metrics.RecordWorkflowSubmitted(true)
	m.logger.Info("workflow submitted",
		zap.String("workflow_id", workflowID),
		zap.String("definition_id", def.ID),
		zap.Int("tasks", len(tasks)))
	return workflowID, nil
}

// materialize turns definition tasks into instances. Dependency-free
// tasks start Ready; everything else, compensation tasks included,
// starts Blocked.
func (m *Manager) materialize(def *domain.WorkflowDefinition, depths map[string]int, workflowID string, now time.Time) ([]*domain.TaskInstance, error) {
	compOwners := make(map[string]string)
	for _, td := range def.Tasks {
		if td.CompensationID != "" {
			compOwners[td.CompensationID] = td.ID
		}
	}

	tasks := make([]*domain.TaskInstance, 0, len(def.Tasks))
	for _, td := range def.Tasks {
		var payload json.RawMessage
		if td.Payload != nil {
			raw, err := json.Marshal(td.Payload)
			if err != nil {
				return nil, fmt.Errorf("%w: task %s payload: %v", domain.ErrInvalidDefinition, td.ID, err)
			}
			payload = raw
		}

		deps := make([]string, 0, len(td.DependsOn))
		for _, dep := range td.DependsOn {
			deps = append(deps, taskInstanceID(workflowID, dep))
		}

		owner, isCompensation := compOwners[td.ID]
		status := domain.TaskBlocked
		var enqueuedAt time.Time
		if !isCompensation && len(deps) == 0 {
			status = domain.TaskReady
			enqueuedAt = now
		}

		task := &domain.TaskInstance{
			ID:            taskInstanceID(workflowID, td.ID),
			WorkflowID:    workflowID,
			DefinitionID:  td.ID,
			Capability:    td.Capability,
			Status:        status,
			DependsOn:     deps,
			Depth:         depths[td.ID],
			Priority:      def.Priority,
			Payload:       payload,
			MaxRetries:    td.Retries(m.defaultRetries),
			Timeout:       td.AttemptTimeout(m.defaultTimeout),
			Compensation:  isCompensation,
			EnqueuedAt:    enqueuedAt,
			SchemaVersion: domain.SchemaVersion,
		}
		if isCompensation {
			task.CompensatesTask = taskInstanceID(workflowID, owner)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// GetWorkflow returns a workflow with its task instances. Any replica
// serves it, leader or not.
func (m *Manager) GetWorkflow(ctx context.Context, workflowID string) (*domain.WorkflowInstance, []*domain.TaskInstance, error) {
	wf, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := m.store.ListTasks(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	return wf, tasks, nil
}

// ListWorkflows returns all non-terminal workflows.
func (m *Manager) ListWorkflows(ctx context.Context) ([]*domain.WorkflowInstance, error) {
	return m.store.ListActiveWorkflows(ctx)
}

// CancelWorkflow aborts every non-terminal task and marks the workflow
// Cancelled. In-flight agents are signalled best effort; their late
// results are rejected by the fencing check.
func (m *Manager) CancelWorkflow(ctx context.Context, workflowID string) error {
	ws, err := m.ensureState(ctx, workflowID)
	if err != nil {
		return err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	wf, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return fmt.Errorf("%w: workflow %s is %s", domain.ErrTerminal, workflowID, wf.Status)
	}

	tasks, err := m.store.ListTasks(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		m.abortLocked(ctx, wf, ws, task.ID)
	}

	now := time.Now().UTC()
	wf.Status = domain.WorkflowCancelled
	wf.CompletedAt = &now
	m.publishEventLocked(ctx, wf, domain.EventWorkflowCancelled, "", nil)
	m.metrics.RecordWorkflowCompleted(domain.WorkflowCancelled, now.Sub(wf.CreatedAt))
	m.logger.Info("workflow cancelled", zap.String("workflow_id", workflowID))

	m.forget(workflowID)
	m.expire(ctx, workflowID)
	return nil
}

// Takeover rebuilds leader state from durable records: the queue is
// reconstructed, graphs are rebuilt, timers re-armed, and any failure
// propagation or settlement a previous leader left unfinished is run to
// completion. No progress is lost across a leader change.
func (m *Manager) Takeover(ctx context.Context) error {
	m.registry.Reset()
	m.registry.Start()

	if err := m.queue.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	m.mu.Lock()
	m.workflows = make(map[string]*workflowState)
	m.mu.Unlock()

	active, err := m.store.ListActiveWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active workflows: %w", err)
	}

	type recovery struct {
		wf    *domain.WorkflowInstance
		tasks []*domain.TaskInstance
		ws    *workflowState
	}
	recoveries := make([]recovery, 0, len(active))
	for _, wf := range active {
		tasks, err := m.store.ListTasks(ctx, wf.ID)
		if err != nil {
			return fmt.Errorf("failed to list tasks for %s: %w", wf.ID, err)
		}
		ws := &workflowState{graph: graph.Build(tasks)}
		m.mu.Lock()
		m.workflows[wf.ID] = ws
		m.mu.Unlock()
		recoveries = append(recoveries, recovery{wf: wf, tasks: tasks, ws: ws})
	}

	if err := m.bus.Subscribe(context.Background(), domain.TopicAgentLifecycle, m.handleAgentEvent); err != nil {
		return fmt.Errorf("failed to subscribe to agent lifecycle: %w", err)
	}
	m.engine.Start()

	for _, r := range recoveries {
		if err := m.engine.Recover(ctx, r.tasks); err != nil {
			return fmt.Errorf("failed to recover workflow %s: %w", r.wf.ID, err)
		}
		r.ws.mu.Lock()
		m.repairLocked(ctx, r.wf, r.ws, r.tasks)
		r.ws.mu.Unlock()
	}

	m.mu.Lock()
	m.metrics.SetActiveWorkflows(len(m.workflows))
	m.mu.Unlock()
	m.logger.Info("takeover complete", zap.Int("active_workflows", len(active)))
	return nil
}

// Demote halts all write-path processing. Reads keep working from the
// durable stores.
func (m *Manager) Demote() {
	m.engine.Stop()
	m.registry.Stop()
	if err := m.bus.Unsubscribe(context.Background(), domain.TopicAgentLifecycle); err != nil {
		m.logger.Warn("failed to unsubscribe from agent lifecycle", zap.Error(err))
	}

	m.mu.Lock()
	m.workflows = make(map[string]*workflowState)
	m.metrics.SetActiveWorkflows(0)
	m.mu.Unlock()
	m.logger.Info("write path halted")
}

// Shutdown stops background processing.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("shutting down orchestrator")
	m.engine.Stop()
	m.registry.Stop()
	return nil
}

// TaskDispatched flips a pending workflow to Running on its first
// dispatch and records the assignment.
func (m *Manager) TaskDispatched(ctx context.Context, task *domain.TaskInstance) {
	ws, ok := m.state(task.WorkflowID)
	if !ok {
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.graph.SetStatus(task.ID, domain.TaskAssigned)
	wf, ok := m.loadLocked(ctx, task.WorkflowID)
	if !ok {
		return
	}
	if wf.Status == domain.WorkflowPending {
		wf.Status = domain.WorkflowRunning
		m.publishEventLocked(ctx, wf, domain.EventWorkflowRunning, "", nil)
		m.logger.Info("workflow running", zap.String("workflow_id", wf.ID))
	}
	m.publishEventLocked(ctx, wf, domain.EventTaskAssigned, task.ID, map[string]interface{}{
		"agent_id":         task.AssignedAgent,
		"attempt":          task.Attempts,
		"assignment_epoch": task.AssignmentEpoch,
	})
}

// TaskStarted records an agent's acknowledgement.
func (m *Manager) TaskStarted(ctx context.Context, task *domain.TaskInstance) {
	ws, ok := m.state(task.WorkflowID)
	if !ok {
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.graph.SetStatus(task.ID, domain.TaskRunning)
	wf, ok := m.loadLocked(ctx, task.WorkflowID)
	if !ok {
		return
	}
	m.publishEventLocked(ctx, wf, domain.EventTaskStarted, task.ID, map[string]interface{}{
		"agent_id": task.AssignedAgent,
	})
}

// TaskSucceeded unblocks dependents and settles the workflow when the
// last task lands.
func (m *Manager) TaskSucceeded(ctx context.Context, task *domain.TaskInstance) {
	ws, ok := m.state(task.WorkflowID)
	if !ok {
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	wf, ok := m.loadLocked(ctx, task.WorkflowID)
	if !ok {
		return
	}
	m.publishEventLocked(ctx, wf, domain.EventTaskSucceeded, task.ID, map[string]interface{}{
		"agent_id": task.AssignedAgent,
	})

	for _, readyID := range ws.graph.OnTaskSucceeded(task.ID) {
		m.promoteReadyLocked(ctx, wf, readyID)
	}
	m.settleLocked(ctx, wf, ws)
}

// TaskFailed handles a permanent failure: downstream work is cancelled
// and the compensation task, if the definition declared one, is woken.
func (m *Manager) TaskFailed(ctx context.Context, task *domain.TaskInstance) {
	ws, ok := m.state(task.WorkflowID)
	if !ok {
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	wf, ok := m.loadLocked(ctx, task.WorkflowID)
	if !ok {
		return
	}
	if wf.FailureReason == nil {
		wf.FailureReason = &domain.FailureReason{TaskID: task.ID, Error: task.LastError}
	}
	m.publishEventLocked(ctx, wf, domain.EventTaskFailed, task.ID, map[string]interface{}{
		"error":    task.LastError,
		"attempts": task.Attempts,
	})

	for _, cancelledID := range ws.graph.OnTaskFailed(task.ID) {
		m.abortLocked(ctx, wf, ws, cancelledID)
	}
	m.wakeCompensationLocked(ctx, wf, ws, task.ID)
	m.settleLocked(ctx, wf, ws)
}

// TaskRetrying records a scheduled retry.
func (m *Manager) TaskRetrying(ctx context.Context, task *domain.TaskInstance, delay time.Duration) {
	ws, ok := m.state(task.WorkflowID)
	if !ok {
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.graph.SetStatus(task.ID, domain.TaskRetrying)
	wf, ok := m.loadLocked(ctx, task.WorkflowID)
	if !ok {
		return
	}
	m.publishEventLocked(ctx, wf, domain.EventTaskRetrying, task.ID, map[string]interface{}{
		"error":    task.LastError,
		"attempt":  task.Attempts,
		"retry_in": delay.String(),
	})
}

// TaskRequeued records a task re-entering the queue after backoff.
func (m *Manager) TaskRequeued(ctx context.Context, task *domain.TaskInstance) {
	ws, ok := m.state(task.WorkflowID)
	if !ok {
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.graph.SetStatus(task.ID, domain.TaskReady)
	wf, ok := m.loadLocked(ctx, task.WorkflowID)
	if !ok {
		return
	}
	m.publishEventLocked(ctx, wf, domain.EventTaskReady, task.ID, map[string]interface{}{
		"attempt": task.Attempts,
	})
}

func (m *Manager) handleAgentEvent(ctx context.Context, event domain.Event) error {
	if event.Type != domain.EventAgentUnhealthy {
		return nil
	}
	m.logger.Warn("reassigning tasks from unhealthy agent", zap.String("agent_id", event.AgentID))
	m.engine.ReassignAgentTasks(ctx, event.AgentID)
	return nil
}

func (m *Manager) state(workflowID string) (*workflowState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workflows[workflowID]
	return ws, ok
}

// ensureState returns the tracked state for a workflow, rebuilding it
// from the instance store when the workflow is not yet tracked.
func (m *Manager) ensureState(ctx context.Context, workflowID string) (*workflowState, error) {
	if ws, ok := m.state(workflowID); ok {
		return ws, nil
	}
	tasks, err := m.store.ListTasks(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		if _, err := m.store.GetWorkflow(ctx, workflowID); err != nil {
			return nil, err
		}
	}

	ws := &workflowState{graph: graph.Build(tasks)}
	m.mu.Lock()
	if existing, ok := m.workflows[workflowID]; ok {
		ws = existing
	} else {
		m.workflows[workflowID] = ws
	}
	m.mu.Unlock()
	return ws, nil
}

func (m *Manager) loadLocked(ctx context.Context, workflowID string) (*domain.WorkflowInstance, bool) {
	wf, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		m.logger.Error("failed to load workflow",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
		return nil, false
	}
	return wf, true
}

// publishEventLocked stamps the next causal version on the event,
// persists it with the workflow, and publishes on the workflow topic.
// Callers hold the workflow lock, so versions and publish order agree.
func (m *Manager) publishEventLocked(ctx context.Context, wf *domain.WorkflowInstance, eventType domain.EventType, taskID string, payload map[string]interface{}) {
	wf.LastEventVersion++
	if err := m.store.SaveWorkflow(ctx, wf); err != nil {
		m.logger.Error("failed to persist workflow",
			zap.String("workflow_id", wf.ID),
			zap.Error(err))
	}

	event := domain.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		WorkflowID: wf.ID,
		TaskID:     taskID,
		Timestamp:  time.Now().UTC(),
		Version:    wf.LastEventVersion,
		Payload:    payload,
	}
	if err := m.bus.Publish(ctx, domain.WorkflowTopic(wf.ID), event); err != nil {
		m.logger.Error("failed to publish workflow event",
			zap.String("workflow_id", wf.ID),
			zap.String("type", string(eventType)),
			zap.Error(err))
		return
	}
	m.metrics.RecordEventPublished(eventType)
}

func (m *Manager) promoteReadyLocked(ctx context.Context, wf *domain.WorkflowInstance, taskID string) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		m.logger.Error("failed to load task for promotion",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	task.Status = domain.TaskReady
	task.EnqueuedAt = time.Now().UTC()
	if err := m.store.SaveTask(ctx, task); err != nil {
		m.logger.Error("failed to persist ready task",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	if err := m.queue.Push(ctx, domain.NewQueueItem(task)); err != nil {
		m.logger.Error("failed to enqueue task",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	m.publishEventLocked(ctx, wf, domain.EventTaskReady, taskID, nil)
}

func (m *Manager) abortLocked(ctx context.Context, wf *domain.WorkflowInstance, ws *workflowState, taskID string) {
	aborted, err := m.engine.AbortTask(ctx, taskID)
	if err != nil {
		if !errors.Is(err, domain.ErrTerminal) {
			m.logger.Error("failed to cancel task",
				zap.String("task_id", taskID),
				zap.Error(err))
		}
		return
	}
	ws.graph.SetStatus(taskID, domain.TaskCancelled)
	m.publishEventLocked(ctx, wf, domain.EventTaskCancelled, aborted.ID, nil)
}

func (m *Manager) wakeCompensationLocked(ctx context.Context, wf *domain.WorkflowInstance, ws *workflowState, failedID string) {
	compID, ok := ws.graph.CompensationFor(failedID)
	if !ok {
		return
	}
	status, tracked := ws.graph.Status(compID)
	if !tracked || status != domain.TaskBlocked {
		return
	}
	ws.graph.SetStatus(compID, domain.TaskReady)
	m.promoteReadyLocked(ctx, wf, compID)
	m.logger.Info("compensation woken",
		zap.String("workflow_id", wf.ID),
		zap.String("task_id", compID),
		zap.String("compensates", failedID))
}

// repairLocked finishes work a previous leader may have left mid-flight:
// failure propagation, compensation wake-ups, and settlement.
func (m *Manager) repairLocked(ctx context.Context, wf *domain.WorkflowInstance, ws *workflowState, tasks []*domain.TaskInstance) {
	for _, task := range tasks {
		if task.Compensation || task.Status != domain.TaskFailed {
			continue
		}
		for _, cancelledID := range ws.graph.OnTaskFailed(task.ID) {
			m.abortLocked(ctx, wf, ws, cancelledID)
		}
		m.wakeCompensationLocked(ctx, wf, ws, task.ID)
	}
	m.settleLocked(ctx, wf, ws)
}

// settleLocked derives the terminal workflow status once every task is
// done: Completed when nothing failed, PartiallyFailed when every
// permanent failure was absorbed by a succeeded compensation, Failed
// otherwise.
func (m *Manager) settleLocked(ctx context.Context, wf *domain.WorkflowInstance, ws *workflowState) {
	if wf.Status.Terminal() || !ws.graph.Settled() {
		return
	}

	// compensations that never triggered are no longer needed
	for taskID, status := range ws.graph.Statuses() {
		if status == domain.TaskBlocked {
			m.abortLocked(ctx, wf, ws, taskID)
		}
	}

	tasks, err := m.store.ListTasks(ctx, wf.ID)
	if err != nil {
		m.logger.Error("failed to list tasks for settlement",
			zap.String("workflow_id", wf.ID),
			zap.Error(err))
		return
	}

	failures, unabsorbed := 0, 0
	for _, task := range tasks {
		if task.Compensation || task.Status != domain.TaskFailed {
			continue
		}
		failures++
		compID, ok := ws.graph.CompensationFor(task.ID)
		if !ok {
			unabsorbed++
			continue
		}
		if status, _ := ws.graph.Status(compID); status != domain.TaskSucceeded {
			unabsorbed++
		}
	}

	outcome := domain.WorkflowCompleted
	eventType := domain.EventWorkflowCompleted
	var payload map[string]interface{}
	switch {
	case unabsorbed > 0:
		outcome = domain.WorkflowFailed
		eventType = domain.EventWorkflowFailed
	case failures > 0:
		outcome = domain.WorkflowPartiallyFailed
		eventType = domain.EventWorkflowPartiallyFailed
	}
	if wf.FailureReason != nil {
		payload = map[string]interface{}{
			"failed_task": wf.FailureReason.TaskID,
			"error":       wf.FailureReason.Error,
		}
	}

	now := time.Now().UTC()
	wf.Status = outcome
	wf.CompletedAt = &now
	m.publishEventLocked(ctx, wf, eventType, "", payload)
	m.metrics.RecordWorkflowCompleted(outcome, now.Sub(wf.CreatedAt))
	m.logger.Info("workflow settled",
		zap.String("workflow_id", wf.ID),
		zap.String("status", string(outcome)),
		zap.Duration("duration", now.Sub(wf.CreatedAt)))

	m.forget(wf.ID)
	m.expire(ctx, wf.ID)
}

func (m *Manager) forget(workflowID string) {
	m.mu.Lock()
	delete(m.workflows, workflowID)
	m.metrics.SetActiveWorkflows(len(m.workflows))
	m.mu.Unlock()
}

// expire schedules deletion of a terminal workflow's records after the
// retention window.
func (m *Manager) expire(ctx context.Context, workflowID string) {
	if err := m.store.ExpireWorkflow(ctx, workflowID, m.retention); err != nil {
		m.logger.Error("failed to schedule workflow expiry",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
	}
	if err := m.states.Expire(ctx, workflowID, m.retention); err != nil {
		m.logger.Error("failed to schedule state expiry",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
	}
}
