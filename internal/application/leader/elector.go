package leader

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskherd/taskherd/pkg/domain"
	"github.com/taskherd/taskherd/pkg/ports"
)

// Config carries the election tuning.
type Config struct {
	LeaseName     string
	ReplicaID     string
	TTL           time.Duration
	RenewInterval time.Duration
	RetryInterval time.Duration
}

// Elector competes for the leadership lease. On election it runs the
// takeover callback, then keeps renewing; a failed renewal or takeover
// demotes immediately and the replica rejoins the contest.
type Elector struct {
	leases  ports.LeaseService
	metrics ports.MetricsCollector
	logger  *zap.Logger
	cfg     Config

	onElected func(ctx context.Context) error
	onDemoted func()

	mu     sync.Mutex
	leader bool

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewElector creates an elector. onElected runs after the lease is won
// and before any write-path processing; returning an error abandons the
// leadership. onDemoted halts the write path and runs before the lease
// is given up.
func NewElector(leases ports.LeaseService, metrics ports.MetricsCollector, logger *zap.Logger, cfg Config, onElected func(ctx context.Context) error, onDemoted func()) *Elector {
	return &Elector{
		leases:    leases,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		onElected: onElected,
		onDemoted: onDemoted,
	}
}

// IsLeader reports whether this replica currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Start joins the election.
func (e *Elector) Start() {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return
	}
	e.running = true
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.runMu.Unlock()

	go e.run(ctx)
}

// Stop leaves the election, demoting first if currently leading. It
// blocks until the write path has halted and the lease is released.
func (e *Elector) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	done := e.done
	e.runMu.Unlock()

	<-done
}

func (e *Elector) run(ctx context.Context) {
	defer close(e.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		token, err := e.leases.Acquire(ctx, e.cfg.LeaseName, e.cfg.TTL)
		if err != nil {
			if !errors.Is(err, domain.ErrLeaseHeld) {
				e.logger.Error("failed to acquire leadership lease", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.RetryInterval):
			}
			continue
		}

		e.lead(ctx, token)
	}
}

// lead runs one leadership term: takeover, then renewal until the term
// ends. It returns once this replica is no longer leader.
func (e *Elector) lead(ctx context.Context, token string) {
	e.mu.Lock()
	e.leader = true
	e.mu.Unlock()
	e.metrics.SetLeader(true)
	e.logger.Info("leadership acquired",
		zap.String("lease", e.cfg.LeaseName),
		zap.String("replica_id", e.cfg.ReplicaID))

	if e.onElected != nil {
		if err := e.onElected(ctx); err != nil {
			e.logger.Error("takeover failed, stepping down", zap.Error(err))
			e.demote(context.Background(), token)
			return
		}
	}

	ticker := time.NewTicker(e.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.demote(context.Background(), token)
			return
		case <-ticker.C:
			if err := e.leases.Renew(ctx, e.cfg.LeaseName, token, e.cfg.TTL); err != nil {
				e.logger.Warn("failed to renew leadership lease, stepping down",
					zap.String("lease", e.cfg.LeaseName),
					zap.Error(err))
				e.demote(ctx, token)
				return
			}
		}
	}
}

// demote halts the write path, then gives the lease back. The order
// matters: no successor may win the lease while this replica still
// dispatches.
func (e *Elector) demote(ctx context.Context, token string) {
	e.mu.Lock()
	wasLeader := e.leader
	e.leader = false
	e.mu.Unlock()
	if !wasLeader {
		return
	}

	e.metrics.SetLeader(false)
	if e.onDemoted != nil {
		e.onDemoted()
	}
	if err := e.leases.Release(ctx, e.cfg.LeaseName, token); err != nil && !errors.Is(err, domain.ErrLeaseExpired) {
		e.logger.Warn("failed to release leadership lease", zap.Error(err))
	}
	e.logger.Info("leadership released",
		zap.String("lease", e.cfg.LeaseName),
		zap.String("replica_id", e.cfg.ReplicaID))
}
