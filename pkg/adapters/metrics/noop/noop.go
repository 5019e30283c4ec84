// Package noop provides a metrics collector that records nothing. Tests
// and tools that do not scrape metrics use it in place of Prometheus.
package noop

import (
	"time"

	"github.com/taskherd/taskherd/pkg/domain"
)

// Collector implements ports.MetricsCollector with no-ops.
type Collector struct{}

// NewCollector creates a no-op collector.
func NewCollector() *Collector { return &Collector{} }

func (Collector) RecordWorkflowSubmitted(bool)                                 {}
func (Collector) RecordWorkflowCompleted(domain.WorkflowStatus, time.Duration) {}
func (Collector) RecordTaskDispatched(string)                                  {}
func (Collector) RecordTaskCompleted(domain.TaskStatus, time.Duration)         {}
func (Collector) RecordTaskRetry(string)                                       {}
func (Collector) RecordTaskTimeout(string)                                     {}
func (Collector) RecordStateConflict(domain.ConflictPolicy, string)            {}
func (Collector) RecordEventPublished(domain.EventType)                        {}
func (Collector) SetQueueDepth(int64)                                          {}
func (Collector) SetAgentCount(domain.AgentStatus, int)                        {}
func (Collector) SetActiveWorkflows(int)                                       {}
func (Collector) SetLeader(bool)                                               {}
