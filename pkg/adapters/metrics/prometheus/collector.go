package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taskherd/taskherd/pkg/domain"
)

// Collector implements ports.MetricsCollector using Prometheus.
type Collector struct {
	workflowsSubmitted *prometheus.CounterVec
	workflowsCompleted *prometheus.CounterVec
	workflowDuration   *prometheus.HistogramVec
	activeWorkflows    prometheus.Gauge

	tasksDispatched *prometheus.CounterVec
	tasksCompleted  *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	taskRetries     *prometheus.CounterVec
	taskTimeouts    *prometheus.CounterVec

	stateConflicts  *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec

	queueDepth        prometheus.Gauge
	agents            *prometheus.GaugeVec
	leader            prometheus.Gauge
	leaderTransitions prometheus.Counter
}

// NewCollector creates a collector registered on the default registry.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith creates a collector registered on reg. Tests pass a
// fresh registry so repeated construction never collides.
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		workflowsSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskherd_workflows_submitted_total",
				Help: "Total number of workflow submissions",
			},
			[]string{"result"},
		),
		workflowsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskherd_workflows_completed_total",
				Help: "Total number of workflows reaching a terminal status",
			},
			[]string{"status"},
		),
		workflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskherd_workflow_duration_seconds",
				Help:    "Workflow duration from submission to terminal status",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		activeWorkflows: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskherd_active_workflows",
				Help: "Number of non-terminal workflows",
			},
		),
		tasksDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskherd_tasks_dispatched_total",
				Help: "Total number of task assignments handed to agents",
			},
			[]string{"capability"},
		),
		tasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskherd_tasks_completed_total",
				Help: "Total number of tasks reaching a terminal status",
			},
			[]string{"status"},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskherd_task_duration_seconds",
				Help:    "Task duration from first dispatch to terminal status",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		taskRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskherd_task_retries_total",
				Help: "Total number of task retry requeues",
			},
			[]string{"capability"},
		),
		taskTimeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskherd_task_timeouts_total",
				Help: "Total number of task attempt timeouts",
			},
			[]string{"capability"},
		),
		stateConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskherd_state_conflicts_total",
				Help: "Total number of state write conflicts by resolution",
			},
			[]string{"policy", "resolution"},
		),
		eventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskherd_events_published_total",
				Help: "Total number of events published on the bus",
			},
			[]string{"type"},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskherd_queue_depth",
				Help: "Number of tasks waiting in the ready queue",
			},
		),
		agents: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskherd_agents",
				Help: "Number of registered agents by status",
			},
			[]string{"status"},
		),
		leader: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "taskherd_leader",
				Help: "1 while this replica holds the leadership lease",
			},
		),
		leaderTransitions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "taskherd_leader_transitions_total",
				Help: "Total number of leadership gains and losses on this replica",
			},
		),
	}
}

// RecordWorkflowSubmitted counts a submission attempt.
func (c *Collector) RecordWorkflowSubmitted(accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	c.workflowsSubmitted.WithLabelValues(result).Inc()
}

// RecordWorkflowCompleted counts a terminal workflow and its duration.
func (c *Collector) RecordWorkflowCompleted(status domain.WorkflowStatus, duration time.Duration) {
	c.workflowsCompleted.WithLabelValues(string(status)).Inc()
	c.workflowDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// RecordTaskDispatched counts an assignment handed to an agent.
func (c *Collector) RecordTaskDispatched(capability string) {
	c.tasksDispatched.WithLabelValues(capability).Inc()
}

// RecordTaskCompleted counts a terminal task and its duration.
func (c *Collector) RecordTaskCompleted(status domain.TaskStatus, duration time.Duration) {
	c.tasksCompleted.WithLabelValues(string(status)).Inc()
	c.taskDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

// RecordTaskRetry counts a retry requeue.
func (c *Collector) RecordTaskRetry(capability string) {
	c.taskRetries.WithLabelValues(capability).Inc()
}

// RecordTaskTimeout counts an attempt timeout.
func (c *Collector) RecordTaskTimeout(capability string) {
	c.taskTimeouts.WithLabelValues(capability).Inc()
}

// RecordStateConflict counts a conflicting state write and how it was
// resolved.
func (c *Collector) RecordStateConflict(policy domain.ConflictPolicy, resolution string) {
	c.stateConflicts.WithLabelValues(string(policy), resolution).Inc()
}

// RecordEventPublished counts a published event.
func (c *Collector) RecordEventPublished(eventType domain.EventType) {
	c.eventsPublished.WithLabelValues(string(eventType)).Inc()
}

// SetQueueDepth records the current ready-queue depth.
func (c *Collector) SetQueueDepth(depth int64) {
	c.queueDepth.Set(float64(depth))
}

// SetAgentCount records the number of agents in a status.
func (c *Collector) SetAgentCount(status domain.AgentStatus, count int) {
	c.agents.WithLabelValues(string(status)).Set(float64(count))
}

// SetActiveWorkflows records the number of non-terminal workflows.
func (c *Collector) SetActiveWorkflows(count int) {
	c.activeWorkflows.Set(float64(count))
}

// SetLeader flips the leadership gauge and counts the transition.
func (c *Collector) SetLeader(leader bool) {
	if leader {
		c.leader.Set(1)
	} else {
		c.leader.Set(0)
	}
	c.leaderTransitions.Inc()
}
