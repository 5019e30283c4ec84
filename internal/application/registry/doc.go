// Package registry tracks the agents available to execute tasks.
//
// The registry is leader-local state. It handles:
//   - Agent registration and deregistration with capability sets
//   - Heartbeat-based liveness with a periodic sweep that marks
//     lapsed agents unhealthy and announces them on the event bus
//   - Least-loaded agent selection with round-robin tie-breaking
//
// Followers reject registration traffic, so after a leader change
// agents re-register as soon as a heartbeat reports them unknown.
package registry
