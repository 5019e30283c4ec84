package graph

import (
	"fmt"

	"github.com/taskherd/taskherd/pkg/domain"
)

const (
	white = iota
	gray
	black
)

// Plan computes the dependency depth of every task in a definition,
// rejecting cyclic definitions before any instance is created. Depth is
// the longest dependency chain above a task; compensation tasks inherit
// the depth of the task they compensate.
func Plan(def *domain.WorkflowDefinition) (map[string]int, error) {
	depths := make(map[string]int, len(def.Tasks))
	colors := make(map[string]int, len(def.Tasks))

	var visit func(id string) (int, error)
	visit = func(id string) (int, error) {
		switch colors[id] {
		case gray:
			return 0, fmt.Errorf("%w: task %s depends on itself", domain.ErrCyclicDependency, id)
		case black:
			return depths[id], nil
		}
		colors[id] = gray

		task := def.TaskDef(id)
		if task == nil {
			return 0, fmt.Errorf("%w: unknown task %s", domain.ErrInvalidDefinition, id)
		}
		depth := 0
		for _, dep := range task.DependsOn {
			d, err := visit(dep)
			if err != nil {
				return 0, err
			}
			if d+1 > depth {
				depth = d + 1
			}
		}

		colors[id] = black
		depths[id] = depth
		return depth, nil
	}

	for _, task := range def.Tasks {
		if _, err := visit(task.ID); err != nil {
			return nil, err
		}
	}
	for _, task := range def.Tasks {
		if task.CompensationID != "" {
			depths[task.CompensationID] = depths[task.ID]
		}
	}
	return depths, nil
}

type node struct {
	id           string
	status       domain.TaskStatus
	pending      int
	dependents   []string
	compensation bool
}

// Graph tracks readiness for one workflow's tasks. It is rebuilt from
// persisted instances on leader takeover, so it never holds state the
// instance store does not. Callers serialize access; the orchestrator
// mutates graphs under its per-workflow lock.
type Graph struct {
	nodes   map[string]*node
	compFor map[string]string
}

// Build constructs the readiness graph from task instances, deriving
// pending counts from the recorded statuses.
func Build(tasks []*domain.TaskInstance) *Graph {
	g := &Graph{
		nodes:   make(map[string]*node, len(tasks)),
		compFor: make(map[string]string),
	}
	for _, task := range tasks {
		g.nodes[task.ID] = &node{
			id:           task.ID,
			status:       task.Status,
			compensation: task.Compensation,
		}
		if task.Compensation && task.CompensatesTask != "" {
			g.compFor[task.CompensatesTask] = task.ID
		}
	}
	for _, task := range tasks {
		n := g.nodes[task.ID]
		for _, dep := range task.DependsOn {
			depNode, ok := g.nodes[dep]
			if !ok {
				continue
			}
			depNode.dependents = append(depNode.dependents, task.ID)
			if depNode.status != domain.TaskSucceeded {
				n.pending++
			}
		}
	}
	return g
}

// OnTaskSucceeded marks the task succeeded and returns the ids of tasks
// whose last dependency it satisfied. Replaying a success is a no-op, so
// an already-ready or assigned task is never enqueued twice.
func (g *Graph) OnTaskSucceeded(taskID string) []string {
	n, ok := g.nodes[taskID]
	if !ok || n.status == domain.TaskSucceeded {
		return nil
	}
	n.status = domain.TaskSucceeded

	var ready []string
	for _, depID := range n.dependents {
		dependent := g.nodes[depID]
		dependent.pending--
		if dependent.pending == 0 && dependent.status == domain.TaskBlocked && !dependent.compensation {
			dependent.status = domain.TaskReady
			ready = append(ready, depID)
		}
	}
	return ready
}

// OnTaskFailed marks the task permanently failed and returns the ids of
// transitively downstream tasks that were cancelled. Calling it again
// for the same task returns whatever downstream work is still left to
// cancel, which lets a new leader finish an interrupted propagation.
func (g *Graph) OnTaskFailed(taskID string) []string {
	n, ok := g.nodes[taskID]
	if !ok {
		return nil
	}
	n.status = domain.TaskFailed

	var cancelled []string
	stack := append([]string(nil), n.dependents...)
	seen := map[string]bool{taskID: true}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true

		downstream := g.nodes[id]
		if !downstream.status.Terminal() {
			downstream.status = domain.TaskCancelled
			cancelled = append(cancelled, id)
		}
		stack = append(stack, downstream.dependents...)
	}
	return cancelled
}

// SetStatus mirrors a status change made outside the success and failure
// paths, such as assignment, retry, or a woken compensation task.
func (g *Graph) SetStatus(taskID string, status domain.TaskStatus) {
	if n, ok := g.nodes[taskID]; ok {
		n.status = status
	}
}

// Status returns the tracked status of a task.
func (g *Graph) Status(taskID string) (domain.TaskStatus, bool) {
	n, ok := g.nodes[taskID]
	if !ok {
		return "", false
	}
	return n.status, true
}

// CompensationFor returns the id of the compensation task covering the
// given task, if the definition declared one.
func (g *Graph) CompensationFor(taskID string) (string, bool) {
	id, ok := g.compFor[taskID]
	return id, ok
}

// Settled reports whether every task has reached a terminal status.
// Compensation tasks that were never woken stay blocked and do not hold
// the workflow open; the orchestrator cancels them at settlement.
func (g *Graph) Settled() bool {
	for _, n := range g.nodes {
		if n.status.Terminal() {
			continue
		}
		if n.compensation && n.status == domain.TaskBlocked {
			continue
		}
		return false
	}
	return true
}

// Statuses returns a snapshot of every tracked task status.
func (g *Graph) Statuses() map[string]domain.TaskStatus {
	statuses := make(map[string]domain.TaskStatus, len(g.nodes))
	for id, n := range g.nodes {
		statuses[id] = n.status
	}
	return statuses
}
