package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskherd/taskherd/pkg/domain"
	"github.com/taskherd/taskherd/pkg/ports"
)

// Registry tracks agents, their capabilities, and their liveness. It
// lives in leader memory only: followers reject registration traffic,
// and agents re-register when their heartbeats hit a fresh leader.
type Registry struct {
	bus     ports.EventBus
	metrics ports.MetricsCollector
	logger  *zap.Logger

	leaseDuration time.Duration
	sweepInterval time.Duration

	mu     sync.RWMutex
	agents map[string]*domain.Agent
	rr     map[string]int

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewRegistry creates an agent registry. Agents whose last heartbeat is
// older than leaseDuration are flipped to Unhealthy by a sweep that runs
// every sweepInterval.
func NewRegistry(bus ports.EventBus, metrics ports.MetricsCollector, logger *zap.Logger, leaseDuration, sweepInterval time.Duration) *Registry {
	return &Registry{
		bus:           bus,
		metrics:       metrics,
		logger:        logger,
		leaseDuration: leaseDuration,
		sweepInterval: sweepInterval,
		agents:        make(map[string]*domain.Agent),
		rr:            make(map[string]int),
	}
}

// Register adds an agent with its capability set. A live agent with the
// same id is rejected; an unhealthy or deregistered one is replaced, so
// agents recover by simply registering again.
func (r *Registry) Register(ctx context.Context, agentID string, capabilities []string) error {
	if agentID == "" || len(capabilities) == 0 {
		return fmt.Errorf("agent id and capabilities are required")
	}

	r.mu.Lock()
	if existing, ok := r.agents[agentID]; ok {
		if existing.Status == domain.AgentAvailable || existing.Status == domain.AgentBusy {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s", domain.ErrAgentAlreadyRegistered, agentID)
		}
	}
	now := time.Now().UTC()
	r.agents[agentID] = &domain.Agent{
		ID:            agentID,
		Capabilities:  capabilities,
		Status:        domain.AgentAvailable,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.mu.Unlock()

	r.publish(ctx, domain.EventAgentRegistered, agentID)
	r.logger.Info("agent registered",
		zap.String("agent_id", agentID),
		zap.Strings("capabilities", capabilities))

	return nil
}

// Heartbeat refreshes an agent's lease. An unhealthy agent becomes
// available again; its previous assignments were already reassigned.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok || agent.Status == domain.AgentDeregistered {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
	}

	agent.LastHeartbeat = time.Now().UTC()
	if agent.Status == domain.AgentUnhealthy {
		agent.Status = domain.AgentAvailable
		agent.InFlight = 0
		r.logger.Info("agent recovered", zap.String("agent_id", agentID))
	}
	return nil
}

// Deregister removes an agent.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
	}
	agent.Status = domain.AgentDeregistered
	delete(r.agents, agentID)
	r.mu.Unlock()

	r.publish(ctx, domain.EventAgentDeregistered, agentID)
	r.logger.Info("agent deregistered", zap.String("agent_id", agentID))

	return nil
}

// ListAvailable returns live agents declaring the capability, ordered
// by id.
func (r *Registry) ListAvailable(capability string) []*domain.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var agents []*domain.Agent
	for _, agent := range r.agents {
		if !live(agent) || !agent.HasCapability(capability) {
			continue
		}
		agentCopy := *agent
		agents = append(agents, &agentCopy)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// Select picks the least-loaded live agent with the capability,
// round-robining among equally idle candidates.
func (r *Registry) Select(capability string) (*domain.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*domain.Agent
	minInFlight := -1
	for _, agent := range r.agents {
		if !live(agent) || !agent.HasCapability(capability) {
			continue
		}
		if minInFlight < 0 || agent.InFlight < minInFlight {
			minInFlight = agent.InFlight
		}
		candidates = append(candidates, agent)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoCapableAgent, capability)
	}

	var idlest []*domain.Agent
	for _, agent := range candidates {
		if agent.InFlight == minInFlight {
			idlest = append(idlest, agent)
		}
	}
	sort.Slice(idlest, func(i, j int) bool { return idlest[i].ID < idlest[j].ID })

	pick := idlest[r.rr[capability]%len(idlest)]
	r.rr[capability]++

	pickCopy := *pick
	return &pickCopy, nil
}

// TaskAssigned records an assignment against the agent's load.
func (r *Registry) TaskAssigned(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agent, ok := r.agents[agentID]; ok {
		agent.InFlight++
		agent.Status = domain.AgentBusy
	}
}

// TaskFinished releases one unit of the agent's load.
func (r *Registry) TaskFinished(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok || agent.InFlight == 0 {
		return
	}
	agent.InFlight--
	if agent.InFlight == 0 && agent.Status == domain.AgentBusy {
		agent.Status = domain.AgentAvailable
	}
}

// Reset drops all agents. A newly elected leader starts empty and lets
// agents re-register.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents = make(map[string]*domain.Agent)
	r.rr = make(map[string]int)
}

// Start launches the liveness sweep.
func (r *Registry) Start() {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.runMu.Unlock()

	go r.run()
}

// Stop halts the liveness sweep.
func (r *Registry) Stop() {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.runMu.Unlock()
}

func (r *Registry) run() {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep flips agents with lapsed heartbeats to Unhealthy and publishes
// an event per victim so the engine reassigns their tasks.
func (r *Registry) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.leaseDuration)

	r.mu.Lock()
	var stale []string
	counts := make(map[domain.AgentStatus]int)
	for _, agent := range r.agents {
		if live(agent) && agent.LastHeartbeat.Before(cutoff) {
			agent.Status = domain.AgentUnhealthy
			stale = append(stale, agent.ID)
		}
		counts[agent.Status]++
	}
	r.mu.Unlock()

	for _, status := range []domain.AgentStatus{domain.AgentAvailable, domain.AgentBusy, domain.AgentUnhealthy} {
		r.metrics.SetAgentCount(status, counts[status])
	}

	sort.Strings(stale)
	for _, agentID := range stale {
		r.logger.Warn("agent heartbeat lapsed",
			zap.String("agent_id", agentID),
			zap.Duration("lease", r.leaseDuration))
		r.publish(ctx, domain.EventAgentUnhealthy, agentID)
	}
}

func (r *Registry) publish(ctx context.Context, eventType domain.EventType, agentID string) {
	event := domain.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
	}
	if err := r.bus.Publish(ctx, domain.TopicAgentLifecycle, event); err != nil {
		r.logger.Error("failed to publish agent event",
			zap.String("type", string(eventType)),
			zap.String("agent_id", agentID),
			zap.Error(err))
		return
	}
	r.metrics.RecordEventPublished(eventType)
}

func live(agent *domain.Agent) bool {
	return agent.Status == domain.AgentAvailable || agent.Status == domain.AgentBusy
}
