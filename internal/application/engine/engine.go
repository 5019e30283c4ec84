package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskherd/taskherd/pkg/domain"
	"github.com/taskherd/taskherd/pkg/ports"
)

// AgentPool is the slice of the agent registry the engine needs:
// capability-based selection and per-agent load accounting.
type AgentPool interface {
	Select(capability string) (*domain.Agent, error)
	TaskAssigned(agentID string)
	TaskFinished(agentID string)
}

// Notifier receives task transitions from the engine. The orchestrator
// implements it to drive the dependency graph and publish versioned
// workflow events. Callbacks always run outside the engine lock, so the
// orchestrator may call back into the engine.
type Notifier interface {
	TaskDispatched(ctx context.Context, task *domain.TaskInstance)
	TaskStarted(ctx context.Context, task *domain.TaskInstance)
	TaskSucceeded(ctx context.Context, task *domain.TaskInstance)
	TaskFailed(ctx context.Context, task *domain.TaskInstance)
	TaskRetrying(ctx context.Context, task *domain.TaskInstance, delay time.Duration)
	TaskRequeued(ctx context.Context, task *domain.TaskInstance)
}

// Options carries the engine's retry and timeout tuning.
type Options struct {
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	DefaultTimeout time.Duration
	RequeueDelay   time.Duration
}

func (o *Options) withDefaults() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = 2 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 5 * time.Minute
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 5 * time.Minute
	}
	if o.RequeueDelay <= 0 {
		o.RequeueDelay = 2 * time.Second
	}
}

// Engine runs the leader's dispatch loop: it pops ready tasks, assigns
// them to capable agents with a fresh fencing epoch, arms per-attempt
// timeout timers, and folds results, timeouts, and agent failures back
// into retries or terminal statuses. All task mutations are serialized
// through one lock; thousands of in-flight tasks share timers rather
// than goroutines.
type Engine struct {
	store      ports.InstanceStore
	queue      ports.TaskQueue
	agents     AgentPool
	dispatcher ports.Dispatcher
	metrics    ports.MetricsCollector
	logger     *zap.Logger
	notifier   Notifier

	opts Options

	mu     sync.Mutex
	timers map[string]*time.Timer

	runMu     sync.Mutex
	running   bool
	cancelRun context.CancelFunc
}

// NewEngine creates an execution engine. SetNotifier must be called
// before Start.
func NewEngine(store ports.InstanceStore, queue ports.TaskQueue, agents AgentPool, dispatcher ports.Dispatcher, metrics ports.MetricsCollector, logger *zap.Logger, opts Options) *Engine {
	opts.withDefaults()
	return &Engine{
		store:      store,
		queue:      queue,
		agents:     agents,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
		opts:       opts,
		timers:     make(map[string]*time.Timer),
	}
}

// SetNotifier wires the orchestrator callback target.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Start launches the dispatch loop. Only the leader replica runs it.
func (e *Engine) Start() {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return
	}
	e.running = true
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelRun = cancel
	e.runMu.Unlock()

	go e.run(ctx)
	go e.reportDepth(ctx)
}

// Stop halts the dispatch loop and drops every pending timer. Called on
// demotion; the next leader re-arms timers from persisted records.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	e.cancelRun()
	e.runMu.Unlock()

	e.mu.Lock()
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()
}

func (e *Engine) isRunning() bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return e.running
}

func (e *Engine) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, ok, err := e.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("failed to pop task", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		e.dispatchItem(ctx, item)
	}
}

func (e *Engine) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := e.queue.Len(ctx)
			if err != nil {
				continue
			}
			e.metrics.SetQueueDepth(depth)
		}
	}
}

func (e *Engine) dispatchItem(ctx context.Context, item domain.QueueItem) {
	e.mu.Lock()
	task, err := e.store.GetTask(ctx, item.TaskID)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("dropping queue entry for unknown task",
			zap.String("task_id", item.TaskID),
			zap.Error(err))
		return
	}
	if task.Status != domain.TaskReady {
		// stale queue entry; the task moved on
		e.mu.Unlock()
		return
	}
	if wait := time.Until(task.NotBefore); wait > 0 {
		e.armTimerLocked(task.ID, wait, func() { e.repush(item) })
		e.mu.Unlock()
		return
	}

	agent, err := e.agents.Select(task.Capability)
	if err != nil {
		e.armTimerLocked(task.ID, e.opts.RequeueDelay, func() { e.repush(item) })
		e.mu.Unlock()
		e.logger.Warn("no capable agent, holding task",
			zap.String("task_id", task.ID),
			zap.String("capability", task.Capability))
		return
	}

	task.AssignmentEpoch++
	task.Attempts++
	task.Status = domain.TaskAssigned
	task.AssignedAgent = agent.ID
	now := time.Now().UTC()
	task.StartedAt = &now
	if err := e.store.SaveTask(ctx, task); err != nil {
		e.mu.Unlock()
		e.logger.Error("failed to persist assignment",
			zap.String("task_id", task.ID),
			zap.Error(err))
		e.repush(item)
		return
	}
	e.agents.TaskAssigned(agent.ID)

	if err := e.dispatcher.Dispatch(ctx, agent.ID, task); err != nil {
		e.logger.Error("failed to dispatch task",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agent.ID),
			zap.Error(err))
		notify := e.failLocked(ctx, task, fmt.Sprintf("dispatch to %s failed: %v", agent.ID, err))
		e.mu.Unlock()
		notify()
		return
	}

	taskID := task.ID
	epoch := task.AssignmentEpoch
	e.armTimerLocked(taskID, e.timeoutFor(task), func() { e.HandleTimeout(taskID, epoch) })
	e.metrics.RecordTaskDispatched(task.Capability)
	taskCopy := *task
	e.mu.Unlock()

	e.notifier.TaskDispatched(ctx, &taskCopy)
}

// HandleStart records an agent's acknowledgement that work began.
func (e *Engine) HandleStart(ctx context.Context, taskID string, epoch int64) error {
	if !e.isRunning() {
		return domain.ErrNotLeader
	}

	e.mu.Lock()
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if task.Status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: task %s is %s", domain.ErrTerminal, taskID, task.Status)
	}
	if task.AssignmentEpoch != epoch {
		e.mu.Unlock()
		return fmt.Errorf("%w: task %s expects epoch %d, got %d", domain.ErrStaleEpoch, taskID, task.AssignmentEpoch, epoch)
	}
	if task.Status == domain.TaskRunning {
		e.mu.Unlock()
		return nil
	}
	if task.Status != domain.TaskAssigned {
		e.mu.Unlock()
		return fmt.Errorf("%w: task %s is %s", domain.ErrStaleEpoch, taskID, task.Status)
	}

	task.Status = domain.TaskRunning
	if err := e.store.SaveTask(ctx, task); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to persist start: %w", err)
	}
	taskCopy := *task
	e.mu.Unlock()

	e.notifier.TaskStarted(ctx, &taskCopy)
	return nil
}

// HandleResult settles an agent-reported outcome. Results for terminal
// tasks or carrying a superseded fencing epoch are rejected, which is
// what keeps a slow or partitioned agent from double-writing a task
// that was reassigned.
func (e *Engine) HandleResult(ctx context.Context, taskID string, epoch int64, result json.RawMessage, reportedErr string) error {
	if !e.isRunning() {
		return domain.ErrNotLeader
	}

	e.mu.Lock()
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if task.Status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: task %s is %s", domain.ErrTerminal, taskID, task.Status)
	}
	if task.AssignmentEpoch != epoch || !task.Status.InFlight() {
		e.mu.Unlock()
		return fmt.Errorf("%w: task %s expects epoch %d, got %d", domain.ErrStaleEpoch, taskID, task.AssignmentEpoch, epoch)
	}
	e.stopTimerLocked(taskID)

	if reportedErr != "" {
		notify := e.failLocked(ctx, task, reportedErr)
		e.mu.Unlock()
		notify()
		return nil
	}

	e.agents.TaskFinished(task.AssignedAgent)
	task.Status = domain.TaskSucceeded
	task.Result = result
	now := time.Now().UTC()
	task.CompletedAt = &now
	if err := e.store.SaveTask(ctx, task); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to persist result: %w", err)
	}
	e.metrics.RecordTaskCompleted(domain.TaskSucceeded, sinceStart(task))
	taskCopy := *task
	e.mu.Unlock()

	e.notifier.TaskSucceeded(ctx, &taskCopy)
	return nil
}

// HandleTimeout expires one attempt. The epoch captured when the timer
// was armed guards against firing on a later assignment.
func (e *Engine) HandleTimeout(taskID string, epoch int64) {
	if !e.isRunning() {
		return
	}
	ctx := context.Background()

	e.mu.Lock()
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("timeout fired for unknown task",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	if task.AssignmentEpoch != epoch || !task.Status.InFlight() {
		e.mu.Unlock()
		return
	}
	agentID := task.AssignedAgent
	timeout := e.timeoutFor(task)
	e.metrics.RecordTaskTimeout(task.Capability)
	e.logger.Warn("task attempt timed out",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.Int("attempt", task.Attempts),
		zap.Duration("timeout", timeout))
	notify := e.failLocked(ctx, task, fmt.Sprintf("attempt %d timed out after %s", task.Attempts, timeout))
	e.mu.Unlock()

	if agentID != "" {
		if err := e.dispatcher.Revoke(ctx, agentID, taskID, epoch); err != nil {
			e.logger.Warn("failed to revoke timed out task",
				zap.String("task_id", taskID),
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}
	notify()
}

// ReassignAgentTasks treats every in-flight assignment of an unhealthy
// agent as a transient failure so the work is retried elsewhere.
func (e *Engine) ReassignAgentTasks(ctx context.Context, agentID string) {
	if !e.isRunning() {
		return
	}

	workflows, err := e.store.ListActiveWorkflows(ctx)
	if err != nil {
		e.logger.Error("failed to list workflows for reassignment", zap.Error(err))
		return
	}

	var notifies []func()
	for _, wf := range workflows {
		tasks, err := e.store.ListTasks(ctx, wf.ID)
		if err != nil {
			e.logger.Error("failed to list tasks for reassignment",
				zap.String("workflow_id", wf.ID),
				zap.Error(err))
			continue
		}
		for _, task := range tasks {
			if task.AssignedAgent != agentID || !task.Status.InFlight() {
				continue
			}

			e.mu.Lock()
			fresh, err := e.store.GetTask(ctx, task.ID)
			if err != nil || fresh.AssignedAgent != agentID || !fresh.Status.InFlight() {
				e.mu.Unlock()
				continue
			}
			epoch := fresh.AssignmentEpoch
			e.stopTimerLocked(fresh.ID)
			notify := e.failLocked(ctx, fresh, fmt.Sprintf("agent %s became unhealthy", agentID))
			e.mu.Unlock()

			if err := e.dispatcher.Revoke(ctx, agentID, fresh.ID, epoch); err != nil {
				e.logger.Warn("failed to revoke task from unhealthy agent",
					zap.String("task_id", fresh.ID),
					zap.String("agent_id", agentID),
					zap.Error(err))
			}
			notifies = append(notifies, notify)
		}
	}
	for _, notify := range notifies {
		notify()
	}
}

// AbortTask cancels one task: its queue entry and pending timer are
// dropped, an in-flight assignment is revoked, and the epoch is bumped
// so a late result is rejected. The caller publishes the cancellation.
func (e *Engine) AbortTask(ctx context.Context, taskID string) (*domain.TaskInstance, error) {
	e.mu.Lock()
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if task.Status.Terminal() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: task %s is %s", domain.ErrTerminal, taskID, task.Status)
	}

	e.stopTimerLocked(taskID)
	if err := e.queue.Remove(ctx, taskID); err != nil {
		e.logger.Warn("failed to remove task from queue",
			zap.String("task_id", taskID),
			zap.Error(err))
	}

	agentID := task.AssignedAgent
	inFlight := task.Status.InFlight()
	epoch := task.AssignmentEpoch
	if inFlight {
		e.agents.TaskFinished(agentID)
	}
	task.AssignmentEpoch++
	task.AssignedAgent = ""
	task.Status = domain.TaskCancelled
	now := time.Now().UTC()
	task.CompletedAt = &now
	if err := e.store.SaveTask(ctx, task); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to persist cancellation: %w", err)
	}
	e.metrics.RecordTaskCompleted(domain.TaskCancelled, sinceStart(task))
	taskCopy := *task
	e.mu.Unlock()

	if inFlight && agentID != "" {
		if err := e.dispatcher.Revoke(ctx, agentID, taskID, epoch); err != nil {
			e.logger.Warn("failed to revoke cancelled task",
				zap.String("task_id", taskID),
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}
	return &taskCopy, nil
}

// Recover rebuilds scheduling for one workflow's tasks after a leader
// change: ready tasks re-enter the queue, retrying tasks get their
// backoff timers back, and in-flight tasks resume their attempt timers
// from the persisted start time. Attempts already past their deadline
// time out immediately.
func (e *Engine) Recover(ctx context.Context, tasks []*domain.TaskInstance) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, task := range tasks {
		switch task.Status {
		case domain.TaskReady:
			if err := e.queue.Push(ctx, domain.NewQueueItem(task)); err != nil {
				return fmt.Errorf("failed to requeue task %s: %w", task.ID, err)
			}
		case domain.TaskRetrying:
			taskID := task.ID
			epoch := task.AssignmentEpoch
			delay := time.Until(task.NotBefore)
			if delay < 0 {
				delay = 0
			}
			e.armTimerLocked(taskID, delay, func() { e.promoteRetry(taskID, epoch) })
		case domain.TaskAssigned, domain.TaskRunning:
			started := time.Now().UTC()
			if task.StartedAt != nil {
				started = *task.StartedAt
			}
			remaining := time.Until(started.Add(e.timeoutFor(task)))
			if remaining < 0 {
				remaining = 0
			}
			taskID := task.ID
			epoch := task.AssignmentEpoch
			e.armTimerLocked(taskID, remaining, func() { e.HandleTimeout(taskID, epoch) })
		}
	}
	return nil
}

// failLocked applies one attempt failure: either schedules a retry with
// exponential backoff or marks the task permanently failed. It returns
// the notifier callback to run after the engine lock is released.
func (e *Engine) failLocked(ctx context.Context, task *domain.TaskInstance, reason string) func() {
	if task.AssignedAgent != "" {
		e.agents.TaskFinished(task.AssignedAgent)
	}
	task.LastError = reason
	task.AssignmentEpoch++
	task.AssignedAgent = ""

	if task.Attempts >= task.MaxRetries {
		task.Status = domain.TaskFailed
		now := time.Now().UTC()
		task.CompletedAt = &now
		if err := e.store.SaveTask(ctx, task); err != nil {
			e.logger.Error("failed to persist permanent failure",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
		e.metrics.RecordTaskCompleted(domain.TaskFailed, sinceStart(task))
		e.logger.Warn("task failed permanently",
			zap.String("task_id", task.ID),
			zap.Int("attempts", task.Attempts),
			zap.String("error", reason))
		taskCopy := *task
		return func() { e.notifier.TaskFailed(ctx, &taskCopy) }
	}

	delay := e.backoffFor(task.Attempts)
	task.Status = domain.TaskRetrying
	task.NotBefore = time.Now().UTC().Add(delay)
	if err := e.store.SaveTask(ctx, task); err != nil {
		e.logger.Error("failed to persist retry",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
	e.metrics.RecordTaskRetry(task.Capability)

	taskID := task.ID
	epoch := task.AssignmentEpoch
	e.armTimerLocked(taskID, delay, func() { e.promoteRetry(taskID, epoch) })

	taskCopy := *task
	return func() { e.notifier.TaskRetrying(ctx, &taskCopy, delay) }
}

// promoteRetry moves a task whose backoff elapsed back to Ready and
// re-enqueues it.
func (e *Engine) promoteRetry(taskID string, epoch int64) {
	if !e.isRunning() {
		return
	}
	ctx := context.Background()

	e.mu.Lock()
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.mu.Unlock()
		e.logger.Warn("retry fired for unknown task",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	if task.Status != domain.TaskRetrying || task.AssignmentEpoch != epoch {
		e.mu.Unlock()
		return
	}
	task.Status = domain.TaskReady
	task.EnqueuedAt = time.Now().UTC()
	if err := e.store.SaveTask(ctx, task); err != nil {
		e.mu.Unlock()
		e.logger.Error("failed to persist retry promotion",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}
	if err := e.queue.Push(ctx, domain.NewQueueItem(task)); err != nil {
		e.logger.Error("failed to requeue retrying task",
			zap.String("task_id", taskID),
			zap.Error(err))
	}
	taskCopy := *task
	e.mu.Unlock()

	e.notifier.TaskRequeued(ctx, &taskCopy)
}

func (e *Engine) repush(item domain.QueueItem) {
	if !e.isRunning() {
		return
	}
	if err := e.queue.Push(context.Background(), item); err != nil {
		e.logger.Error("failed to requeue held task",
			zap.String("task_id", item.TaskID),
			zap.Error(err))
	}
}

// armTimerLocked schedules fn for a task, replacing any pending timer.
// A task has at most one timer: its attempt timeout or its retry gate.
func (e *Engine) armTimerLocked(taskID string, delay time.Duration, fn func()) {
	if timer, ok := e.timers[taskID]; ok {
		timer.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		if e.timers[taskID] == timer {
			delete(e.timers, taskID)
		}
		e.mu.Unlock()
		fn()
	})
	e.timers[taskID] = timer
}

func (e *Engine) stopTimerLocked(taskID string) {
	if timer, ok := e.timers[taskID]; ok {
		timer.Stop()
		delete(e.timers, taskID)
	}
}

func (e *Engine) timeoutFor(task *domain.TaskInstance) time.Duration {
	if task.Timeout > 0 {
		return task.Timeout
	}
	return e.opts.DefaultTimeout
}

// backoffFor doubles the delay per attempt, starting from the base and
// saturating at the cap.
func (e *Engine) backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 20 {
		return e.opts.BackoffCap
	}
	delay := e.opts.BackoffBase << shift
	if delay <= 0 || delay > e.opts.BackoffCap {
		return e.opts.BackoffCap
	}
	return delay
}

func sinceStart(task *domain.TaskInstance) time.Duration {
	if task.StartedAt == nil {
		return 0
	}
	return time.Since(*task.StartedAt)
}
