package domain

import "errors"

// Sentinel errors shared across components. Callers match them with
// errors.Is after wrapping.
var (
	// Validation
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrCyclicDependency  = errors.New("cyclic dependency in workflow definition")

	// Lookup
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrTaskNotFound     = errors.New("task not found")
	ErrStateNotFound    = errors.New("state entry not found")
	ErrAgentNotFound    = errors.New("agent not found")

	// Registry
	ErrAgentAlreadyRegistered = errors.New("agent already registered")
	ErrNoCapableAgent         = errors.New("no available agent with required capability")

	// State store
	ErrVersionConflict  = errors.New("state version conflict")
	ErrConflictRejected = errors.New("conflicting write rejected")

	// Execution
	ErrStaleEpoch = errors.New("stale assignment epoch")
	ErrTerminal   = errors.New("already in terminal state")

	// Leadership
	ErrNotLeader    = errors.New("not the leader")
	ErrLeaseHeld    = errors.New("lease held by another owner")
	ErrLeaseExpired = errors.New("lease expired or lost")

	// Transport
	ErrBusClosed = errors.New("event bus closed")
)
