package domain

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// ParseDefinition decodes a workflow definition from YAML or JSON bytes
// (JSON documents are valid YAML) and validates its structure. Cycle
// detection happens when the dependency graph is built.
func ParseDefinition(data []byte) (*WorkflowDefinition, error) {
	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks the structural rules of a definition: required fields,
// unique task ids, resolvable dependency and compensation references,
// and well-formed per-task limits.
func (d *WorkflowDefinition) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: definition is nil", ErrInvalidDefinition)
	}
	if d.ID == "" {
		return fmt.Errorf("%w: definition id is required", ErrInvalidDefinition)
	}
	if len(d.Tasks) == 0 {
		return fmt.Errorf("%w: definition must have at least one task", ErrInvalidDefinition)
	}
	switch d.ConflictPolicy {
	case "", ConflictLastWriterWins, ConflictFieldMerge, ConflictReject:
	default:
		return fmt.Errorf("%w: unknown conflict policy %q", ErrInvalidDefinition, d.ConflictPolicy)
	}

	ids := make(map[string]bool, len(d.Tasks))
	compensations := make(map[string]bool)
	for i := range d.Tasks {
		t := &d.Tasks[i]
		if t.ID == "" {
			return fmt.Errorf("%w: task id is required", ErrInvalidDefinition)
		}
		if ids[t.ID] {
			return fmt.Errorf("%w: duplicate task id %q", ErrInvalidDefinition, t.ID)
		}
		ids[t.ID] = true
		if t.Capability == "" {
			return fmt.Errorf("%w: task %q declares no capability", ErrInvalidDefinition, t.ID)
		}
		if t.MaxRetries < 0 {
			return fmt.Errorf("%w: task %q has negative max_retries", ErrInvalidDefinition, t.ID)
		}
		if t.Timeout != "" {
			if _, err := time.ParseDuration(t.Timeout); err != nil {
				return fmt.Errorf("%w: task %q has invalid timeout %q", ErrInvalidDefinition, t.ID, t.Timeout)
			}
		}
		if t.CompensationID != "" {
			if t.CompensationID == t.ID {
				return fmt.Errorf("%w: task %q compensates itself", ErrInvalidDefinition, t.ID)
			}
			compensations[t.CompensationID] = true
		}
	}

	for i := range d.Tasks {
		t := &d.Tasks[i]
		seen := make(map[string]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return fmt.Errorf("%w: task %q depends on itself", ErrInvalidDefinition, t.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("%w: task %q depends on unknown task %q", ErrInvalidDefinition, t.ID, dep)
			}
			if seen[dep] {
				return fmt.Errorf("%w: task %q lists dependency %q twice", ErrInvalidDefinition, t.ID, dep)
			}
			seen[dep] = true
			if compensations[dep] {
				return fmt.Errorf("%w: task %q depends on compensation task %q", ErrInvalidDefinition, t.ID, dep)
			}
		}
		if t.CompensationID != "" && !ids[t.CompensationID] {
			return fmt.Errorf("%w: task %q names unknown compensation %q", ErrInvalidDefinition, t.ID, t.CompensationID)
		}
	}

	// Compensation tasks substitute for a failed task; letting them carry
	// their own dependencies or compensations would reintroduce the
	// scheduling problems they exist to sidestep.
	for i := range d.Tasks {
		t := &d.Tasks[i]
		if !compensations[t.ID] {
			continue
		}
		if len(t.DependsOn) > 0 {
			return fmt.Errorf("%w: compensation task %q may not declare dependencies", ErrInvalidDefinition, t.ID)
		}
		if t.CompensationID != "" {
			return fmt.Errorf("%w: compensation task %q may not declare a compensation", ErrInvalidDefinition, t.ID)
		}
	}

	return nil
}

// AttemptTimeout returns the task's per-attempt timeout, falling back to
// the given default when the definition leaves it unset.
func (t *TaskDefinition) AttemptTimeout(fallback time.Duration) time.Duration {
	if t.Timeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(t.Timeout)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Retries returns the task's attempt budget, falling back to the given
// default when the definition leaves it unset.
func (t *TaskDefinition) Retries(fallback int) int {
	if t.MaxRetries <= 0 {
		return fallback
	}
	return t.MaxRetries
}
