package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taskherd/taskherd/pkg/adapters/events/memory"
	"github.com/taskherd/taskherd/pkg/adapters/metrics/noop"
	"github.com/taskherd/taskherd/pkg/domain"
)

func newTestRegistry(t *testing.T, lease time.Duration) (*Registry, *memory.Bus) {
	t.Helper()
	bus := memory.NewBus()
	t.Cleanup(func() { bus.Close() })
	return NewRegistry(bus, noop.NewCollector(), zap.NewNop(), lease, time.Minute), bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestRegister_ListAvailable(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	if err := reg.Register(ctx, "agent-b", []string{"extract", "load"}); err != nil {
		t.Fatalf("register agent-b: %v", err)
	}
	if err := reg.Register(ctx, "agent-a", []string{"extract"}); err != nil {
		t.Fatalf("register agent-a: %v", err)
	}

	agents := reg.ListAvailable("extract")
	if len(agents) != 2 {
		t.Fatalf("expected 2 extract agents, got %d", len(agents))
	}
	if agents[0].ID != "agent-a" || agents[1].ID != "agent-b" {
		t.Fatalf("expected agents ordered by id, got %s, %s", agents[0].ID, agents[1].ID)
	}

	agents = reg.ListAvailable("load")
	if len(agents) != 1 || agents[0].ID != "agent-b" {
		t.Fatalf("expected only agent-b for load, got %v", agents)
	}
}

func TestRegister_DuplicateLiveRejected(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	if err := reg.Register(ctx, "agent-1", []string{"extract"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := reg.Register(ctx, "agent-1", []string{"extract"})
	if !errors.Is(err, domain.ErrAgentAlreadyRegistered) {
		t.Fatalf("expected ErrAgentAlreadyRegistered, got %v", err)
	}
}

func TestRegister_ReplacesUnhealthyAgent(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, time.Millisecond)
	ctx := context.Background()

	if err := reg.Register(ctx, "agent-1", []string{"extract"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	reg.Sweep(ctx)

	if got := reg.ListAvailable("extract"); len(got) != 0 {
		t.Fatalf("expected no live agents after sweep, got %d", len(got))
	}
	if err := reg.Register(ctx, "agent-1", []string{"extract", "load"}); err != nil {
		t.Fatalf("expected re-registration to succeed, got %v", err)
	}
	if got := reg.ListAvailable("load"); len(got) != 1 {
		t.Fatalf("expected re-registered agent live, got %d", len(got))
	}
}

func TestHeartbeat_UnknownAgent(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, time.Minute)

	err := reg.Heartbeat(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestHeartbeat_RecoversUnhealthyAgent(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, time.Millisecond)
	ctx := context.Background()

	if err := reg.Register(ctx, "agent-1", []string{"extract"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	reg.Sweep(ctx)

	if err := reg.Heartbeat(ctx, "agent-1"); err != nil {
		t.Fatalf("heartbeat after sweep: %v", err)
	}
	if got := reg.ListAvailable("extract"); len(got) != 1 {
		t.Fatalf("expected recovered agent to be live, got %d", len(got))
	}
}

func TestSweep_PublishesUnhealthyEvent(t *testing.T) {
	t.Parallel()
	reg, bus := newTestRegistry(t, time.Millisecond)
	ctx := context.Background()

	var mu sync.Mutex
	var events []domain.Event
	err := bus.Subscribe(ctx, domain.TopicAgentLifecycle, func(_ context.Context, e domain.Event) error {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := reg.Register(ctx, "agent-1", []string{"extract"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	reg.Sweep(ctx)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e.Type == domain.EventAgentUnhealthy && e.AgentID == "agent-1" {
				return true
			}
		}
		return false
	})
}

func TestSweep_SparesFreshAgents(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	if err := reg.Register(ctx, "agent-1", []string{"extract"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Sweep(ctx)

	if got := reg.ListAvailable("extract"); len(got) != 1 {
		t.Fatalf("expected fresh agent to stay live, got %d", len(got))
	}
}

func TestSelect_NoCapableAgent(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	if err := reg.Register(ctx, "agent-1", []string{"extract"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := reg.Select("transcode")
	if !errors.Is(err, domain.ErrNoCapableAgent) {
		t.Fatalf("expected ErrNoCapableAgent, got %v", err)
	}
}

func TestSelect_PrefersLeastLoaded(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	for _, id := range []string{"agent-a", "agent-b", "agent-c"} {
		if err := reg.Register(ctx, id, []string{"extract"}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	reg.TaskAssigned("agent-a")
	reg.TaskAssigned("agent-a")
	reg.TaskAssigned("agent-b")

	picked, err := reg.Select("extract")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if picked.ID != "agent-c" {
		t.Fatalf("expected least-loaded agent-c, got %s", picked.ID)
	}
}

func TestSelect_RoundRobinsAmongIdle(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	for _, id := range []string{"agent-a", "agent-b"} {
		if err := reg.Register(ctx, id, []string{"extract"}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	seen := make(map[string]int)
	for i := 0; i < 4; i++ {
		picked, err := reg.Select("extract")
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		seen[picked.ID]++
	}
	if seen["agent-a"] != 2 || seen["agent-b"] != 2 {
		t.Fatalf("expected even rotation, got %v", seen)
	}
}

func TestTaskFinished_ReleasesLoad(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	if err := reg.Register(ctx, "agent-1", []string{"extract"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.TaskAssigned("agent-1")
	reg.TaskFinished("agent-1")

	picked, err := reg.Select("extract")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if picked.InFlight != 0 || picked.Status != domain.AgentAvailable {
		t.Fatalf("expected idle available agent, got in_flight=%d status=%s", picked.InFlight, picked.Status)
	}
}

func TestDeregister_RemovesAgent(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	if err := reg.Register(ctx, "agent-1", []string{"extract"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Deregister(ctx, "agent-1"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if err := reg.Heartbeat(ctx, "agent-1"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound after deregister, got %v", err)
	}
	if err := reg.Deregister(ctx, "agent-1"); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound on double deregister, got %v", err)
	}
}

func TestReset_ClearsAgents(t *testing.T) {
	t.Parallel()
	reg, _ := newTestRegistry(t, time.Minute)
	ctx := context.Background()

	if err := reg.Register(ctx, "agent-1", []string{"extract"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Reset()

	if got := reg.ListAvailable("extract"); len(got) != 0 {
		t.Fatalf("expected empty registry after reset, got %d", len(got))
	}
	if err := reg.Register(ctx, "agent-1", []string{"extract"}); err != nil {
		t.Fatalf("expected registration after reset to succeed, got %v", err)
	}
}
