// Package dispatch delivers task assignments to agents over the event
// bus. Each agent subscribes to its private topic; results come back
// through the HTTP API with the assignment epoch for fencing.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskherd/taskherd/pkg/domain"
	"github.com/taskherd/taskherd/pkg/ports"
)

// EventDispatcher implements ports.Dispatcher on any EventBus.
type EventDispatcher struct {
	bus    ports.EventBus
	logger *zap.Logger
}

// NewEventDispatcher creates a bus-backed dispatcher.
func NewEventDispatcher(bus ports.EventBus, logger *zap.Logger) *EventDispatcher {
	return &EventDispatcher{
		bus:    bus,
		logger: logger,
	}
}

// Dispatch publishes the assignment on the agent's topic.
func (d *EventDispatcher) Dispatch(ctx context.Context, agentID string, task *domain.TaskInstance) error {
	event := domain.Event{
		ID:         uuid.New().String(),
		Type:       domain.EventTaskDispatch,
		WorkflowID: task.WorkflowID,
		TaskID:     task.ID,
		AgentID:    agentID,
		Timestamp:  time.Now().UTC(),
		Payload: map[string]interface{}{
			"capability":       task.Capability,
			"payload":          task.Payload,
			"assignment_epoch": task.AssignmentEpoch,
			"attempt":          task.Attempts,
			"timeout":          task.Timeout.String(),
		},
	}
	if err := d.bus.Publish(ctx, domain.AgentTopic(agentID), event); err != nil {
		return err
	}

	d.logger.Debug("task dispatched",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agentID),
		zap.Int64("epoch", task.AssignmentEpoch))

	return nil
}

// Revoke tells the agent to abandon a superseded attempt. Best effort; a
// partitioned agent that never sees it is fenced by the epoch check when
// its late result arrives.
func (d *EventDispatcher) Revoke(ctx context.Context, agentID, taskID string, epoch int64) error {
	event := domain.Event{
		ID:        uuid.New().String(),
		Type:      domain.EventTaskRevoked,
		TaskID:    taskID,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Payload: map[string]interface{}{
			"assignment_epoch": epoch,
		},
	}
	if err := d.bus.Publish(ctx, domain.AgentTopic(agentID), event); err != nil {
		return err
	}

	d.logger.Debug("task revoked",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.Int64("epoch", epoch))

	return nil
}
