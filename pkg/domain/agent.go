package domain

import "time"

// AgentStatus represents the liveness state of a registered agent.
type AgentStatus string

const (
	AgentAvailable    AgentStatus = "available"
	AgentBusy         AgentStatus = "busy"
	AgentUnhealthy    AgentStatus = "unhealthy"
	AgentDeregistered AgentStatus = "deregistered"
)

// Agent is an autonomous worker process that executes tasks matching its
// declared capability set.
type Agent struct {
	ID            string      `json:"id"`
	Capabilities  []string    `json:"capabilities"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RegisteredAt  time.Time   `json:"registered_at"`

	// InFlight counts tasks currently assigned to the agent; the engine
	// uses it to round-robin among equally idle candidates.
	InFlight int `json:"in_flight"`
}

// HasCapability reports whether the agent declares the given tag.
func (a *Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}
