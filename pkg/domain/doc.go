// Package domain defines the core types shared across the orchestrator:
// workflow definitions and instances, task instances with their state
// machine, agents, versioned state entries, and lifecycle events.
//
// All persisted records carry a schema version for forward compatibility.
package domain
