package domain

import "time"

// EventType classifies lifecycle and state-change events.
type EventType string

const (
	EventWorkflowSubmitted       EventType = "workflow.submitted"
	EventWorkflowRunning         EventType = "workflow.running"
	EventWorkflowCompleted       EventType = "workflow.completed"
	EventWorkflowPartiallyFailed EventType = "workflow.partially_failed"
	EventWorkflowFailed          EventType = "workflow.failed"
	EventWorkflowCancelled       EventType = "workflow.cancelled"

	EventTaskReady     EventType = "task.ready"
	EventTaskAssigned  EventType = "task.assigned"
	EventTaskStarted   EventType = "task.started"
	EventTaskSucceeded EventType = "task.succeeded"
	EventTaskFailed    EventType = "task.failed"
	EventTaskRetrying  EventType = "task.retrying"
	EventTaskCancelled EventType = "task.cancelled"

	EventStateChanged EventType = "state.changed"

	EventAgentRegistered   EventType = "agent.registered"
	EventAgentUnhealthy    EventType = "agent.unhealthy"
	EventAgentDeregistered EventType = "agent.deregistered"

	// EventTaskDispatch carries an assignment to a specific agent on its
	// private topic; EventTaskRevoked tells it to abandon a superseded
	// attempt.
	EventTaskDispatch EventType = "task.dispatch"
	EventTaskRevoked  EventType = "task.revoked"
)

// Event is a single lifecycle or state-change notification.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`

	// Version is the per-workflow causal logical clock. Events for one
	// workflow are published in Version order; no ordering exists across
	// workflows. Agent lifecycle events carry zero.
	Version int64 `json:"version,omitempty"`

	Payload map[string]interface{} `json:"payload,omitempty"`
}

// TopicAgentLifecycle carries registry events for all agents.
const TopicAgentLifecycle = "agent-lifecycle"

// WorkflowTopic returns the event topic for one workflow instance.
func WorkflowTopic(workflowID string) string {
	return "workflow." + workflowID
}

// AgentTopic returns the private dispatch topic for one agent.
func AgentTopic(agentID string) string {
	return "agent." + agentID
}
