package ports

import (
	"context"
	"time"

	"github.com/taskherd/taskherd/pkg/domain"
)

// EventHandler processes a single delivered event. Returning an error
// leaves the event unacknowledged so the transport may redeliver it.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus is the durable pub/sub transport behind workflow and agent
// lifecycle notifications. Events published to a topic reach each
// subscriber in publish order; no ordering holds across topics.
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// StateStore holds versioned shared state scoped to (workflow id, key).
//
// CompareAndSet persists entry when entry.Version equals the stored
// version plus one (1 for a first write). On a mismatch it returns the
// current entry together with domain.ErrVersionConflict so the caller can
// arbitrate and retry.
type StateStore interface {
	Get(ctx context.Context, workflowID, key string) (*domain.StateEntry, error)
	CompareAndSet(ctx context.Context, entry domain.StateEntry) (*domain.StateEntry, error)
	List(ctx context.Context, workflowID string) ([]*domain.StateEntry, error)
	DeleteAll(ctx context.Context, workflowID string) error

	// Expire schedules deletion of a workflow's entries after the
	// retention window.
	Expire(ctx context.Context, workflowID string, retention time.Duration) error
}

// InstanceStore is the durable system of record for workflow and task
// instances. Queue contents and in-memory dependency graphs are
// materializations of it, rebuilt whenever a replica takes leadership.
type InstanceStore interface {
	SaveWorkflow(ctx context.Context, wf *domain.WorkflowInstance) error
	GetWorkflow(ctx context.Context, id string) (*domain.WorkflowInstance, error)
	ListActiveWorkflows(ctx context.Context) ([]*domain.WorkflowInstance, error)
	SaveTask(ctx context.Context, task *domain.TaskInstance) error
	GetTask(ctx context.Context, id string) (*domain.TaskInstance, error)
	ListTasks(ctx context.Context, workflowID string) ([]*domain.TaskInstance, error)

	// ExpireWorkflow schedules deletion of a terminal workflow's records
	// after the retention window, keeping them queryable in the meantime.
	ExpireWorkflow(ctx context.Context, id string, retention time.Duration) error
}

// TaskQueue is the durable priority queue feeding the execution engine.
// Items order by ascending QueueItem.Score, ties broken by enqueue time.
//
// Pop blocks until an item arrives, its poll window elapses, or ctx ends;
// the bool reports whether an item was dequeued.
type TaskQueue interface {
	Push(ctx context.Context, item domain.QueueItem) error
	Pop(ctx context.Context) (domain.QueueItem, bool, error)
	Remove(ctx context.Context, taskID string) error
	Len(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
}

// LeaseService is the distributed lease behind leader election. Acquire
// returns domain.ErrLeaseHeld while another holder's lease is live; Renew
// and Release return domain.ErrLeaseExpired when the token no longer owns
// the lease.
type LeaseService interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, error)
	Renew(ctx context.Context, name, token string, ttl time.Duration) error
	Release(ctx context.Context, name, token string) error
}

// Dispatcher hands assigned tasks to agents and signals revocations. The
// assignment epoch travels with every message so a late or reassigned
// agent's report can be fenced.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentID string, task *domain.TaskInstance) error
	Revoke(ctx context.Context, agentID, taskID string, epoch int64) error
}

// MetricsCollector records operational metrics. The Prometheus adapter
// implements it; a no-op implementation serves tests.
type MetricsCollector interface {
	RecordWorkflowSubmitted(accepted bool)
	RecordWorkflowCompleted(status domain.WorkflowStatus, duration time.Duration)
	RecordTaskDispatched(capability string)
	RecordTaskCompleted(status domain.TaskStatus, duration time.Duration)
	RecordTaskRetry(capability string)
	RecordTaskTimeout(capability string)
	RecordStateConflict(policy domain.ConflictPolicy, resolution string)
	RecordEventPublished(eventType domain.EventType)
	SetQueueDepth(depth int64)
	SetAgentCount(status domain.AgentStatus, count int)
	SetActiveWorkflows(count int)
	SetLeader(leader bool)
}
