package domain

import (
	"encoding/json"
	"time"
)

// SchemaVersion is stamped on every persisted record so future releases
// can migrate old payloads.
const SchemaVersion = 1

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowPending         WorkflowStatus = "pending"
	WorkflowRunning         WorkflowStatus = "running"
	WorkflowPartiallyFailed WorkflowStatus = "partially_failed"
	WorkflowCompleted       WorkflowStatus = "completed"
	WorkflowFailed          WorkflowStatus = "failed"
	WorkflowCancelled       WorkflowStatus = "cancelled"
)

// Terminal reports whether the workflow status is final.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled, WorkflowPartiallyFailed:
		return true
	default:
		return false
	}
}

// TaskStatus represents the lifecycle state of a task instance.
type TaskStatus string

const (
	TaskBlocked   TaskStatus = "blocked"
	TaskReady     TaskStatus = "ready"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskRetrying  TaskStatus = "retrying"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// InFlight reports whether the task is currently held by an agent.
func (s TaskStatus) InFlight() bool {
	return s == TaskAssigned || s == TaskRunning
}

// ConflictPolicy selects how competing state writes to the same key are
// arbitrated for a workflow.
type ConflictPolicy string

const (
	// ConflictLastWriterWins keeps the write with the higher logical clock.
	ConflictLastWriterWins ConflictPolicy = "lww"
	// ConflictFieldMerge merges non-overlapping JSON object fields.
	ConflictFieldMerge ConflictPolicy = "merge"
	// ConflictReject surfaces the conflict to the writing task.
	ConflictReject ConflictPolicy = "reject"
)

// TaskDefinition describes one unit of work inside a workflow definition.
type TaskDefinition struct {
	ID         string                 `json:"id" yaml:"id"`
	Capability string                 `json:"capability" yaml:"capability"`
	Payload    map[string]interface{} `json:"payload,omitempty" yaml:"payload,omitempty"`
	DependsOn  []string               `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// MaxRetries is the total number of attempts before the task fails
	// permanently. Zero means the configured default.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`

	// Timeout bounds a single attempt, in time.ParseDuration syntax
	// ("90s", "5m"). Empty means the configured default.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// CompensationID names another task in the same definition that runs
	// if this task fails permanently. Compensation tasks are dormant until
	// triggered and may not declare dependencies or compensations of
	// their own.
	CompensationID string `json:"compensation_id,omitempty" yaml:"compensation_id,omitempty"`
}

// WorkflowDefinition is a DAG of tasks submitted as a unit.
type WorkflowDefinition struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Priority orders workflows in the task queue. Lower is more urgent;
	// zero is the normal priority.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// ConflictPolicy arbitrates competing state writes for all instances
	// of this definition. Empty means last-writer-wins.
	ConflictPolicy ConflictPolicy `json:"conflict_policy,omitempty" yaml:"conflict_policy,omitempty"`

	Tasks []TaskDefinition `json:"tasks" yaml:"tasks"`
}

// TaskDef returns the task definition with the given id, or nil.
func (d *WorkflowDefinition) TaskDef(id string) *TaskDefinition {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i]
		}
	}
	return nil
}

// FailureReason names the task that caused a workflow failure and its
// last recorded error.
type FailureReason struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// WorkflowInstance is one submitted execution of a workflow definition
// together with its derived status.
type WorkflowInstance struct {
	ID           string             `json:"id"`
	DefinitionID string             `json:"definition_id"`
	Definition   WorkflowDefinition `json:"definition"`
	Status       WorkflowStatus     `json:"status"`
	Priority     int                `json:"priority"`

	// LastEventVersion is the per-workflow logical clock stamped on
	// published events so consumers observe them in causal order.
	LastEventVersion int64 `json:"last_event_version"`

	FailureReason *FailureReason `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	SchemaVersion int            `json:"schema_version"`
}

// TaskInstance is one runtime execution unit within a workflow instance.
type TaskInstance struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflow_id"`
	DefinitionID string          `json:"definition_id"`
	Capability   string          `json:"capability"`
	Status       TaskStatus      `json:"status"`
	DependsOn    []string        `json:"depends_on,omitempty"`
	Depth        int             `json:"depth"`
	Priority     int             `json:"priority"`
	Payload      json.RawMessage `json:"payload,omitempty"`

	// AssignedAgent holds the agent currently responsible for the task
	// while the task is Assigned or Running.
	AssignedAgent string `json:"assigned_agent,omitempty"`

	// Attempts counts dispatches so far, including the current one.
	Attempts   int `json:"attempts"`
	MaxRetries int `json:"max_retries"`

	// AssignmentEpoch is the fencing token: it increases on every
	// assignment and on every revocation, so results carrying a
	// superseded epoch are rejected.
	AssignmentEpoch int64 `json:"assignment_epoch"`

	Timeout time.Duration `json:"timeout"`

	// NotBefore gates re-enqueueing while the task backs off between
	// retries.
	NotBefore time.Time `json:"not_before,omitempty"`

	// Compensation marks a dormant task that only runs when the task
	// named by CompensatesTask fails permanently.
	Compensation    bool   `json:"compensation,omitempty"`
	CompensatesTask string `json:"compensates_task,omitempty"`

	Result        json.RawMessage `json:"result,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	SchemaVersion int             `json:"schema_version"`
}

// QueueItem is the durable task queue entry. Priority derives from the
// workflow priority and graph depth; ties break on EnqueuedAt, earlier
// first.
type QueueItem struct {
	TaskID     string    `json:"task_id"`
	WorkflowID string    `json:"workflow_id"`
	Priority   int       `json:"priority"`
	Depth      int       `json:"depth"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Score collapses workflow priority and depth into a single ordering
// key: urgent workflows first, then deeper tasks so in-flight work
// drains before new branches start. Depth saturates at 999 to keep the
// bands disjoint.
func (q QueueItem) Score() int64 {
	depth := q.Depth
	if depth > 999 {
		depth = 999
	}
	prio := q.Priority
	if prio < 0 {
		prio = 0
	}
	return int64(prio)*1000 - int64(depth)
}

// NewQueueItem builds the queue entry for a task that just became ready.
func NewQueueItem(task *TaskInstance) QueueItem {
	return QueueItem{
		TaskID:     task.ID,
		WorkflowID: task.WorkflowID,
		Priority:   task.Priority,
		Depth:      task.Depth,
		EnqueuedAt: time.Now().UTC(),
	}
}
