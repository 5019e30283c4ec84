package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskherd/taskherd/pkg/domain"
)

// LeaseService implements ports.LeaseService in process memory. Expiry
// is evaluated lazily on each call, which is enough for tests exercising
// takeover after a lapsed lease.
type LeaseService struct {
	mu     sync.Mutex
	leases map[string]*lease
}

type lease struct {
	token     string
	expiresAt time.Time
}

// NewLeaseService creates an empty in-memory lease service.
func NewLeaseService() *LeaseService {
	return &LeaseService{
		leases: make(map[string]*lease),
	}
}

// Acquire takes the named lease for ttl, returning the holder token.
func (l *LeaseService) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[name]; ok && time.Now().Before(cur.expiresAt) {
		return "", domain.ErrLeaseHeld
	}

	token := uuid.New().String()
	l.leases[name] = &lease{
		token:     token,
		expiresAt: time.Now().Add(ttl),
	}
	return token, nil
}

// Renew extends the lease while token still owns it.
func (l *LeaseService) Renew(ctx context.Context, name, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[name]
	if !ok || cur.token != token || !time.Now().Before(cur.expiresAt) {
		return domain.ErrLeaseExpired
	}
	cur.expiresAt = time.Now().Add(ttl)
	return nil
}

// Release gives the lease up early while token still owns it.
func (l *LeaseService) Release(ctx context.Context, name, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[name]
	if !ok || cur.token != token || !time.Now().Before(cur.expiresAt) {
		return domain.ErrLeaseExpired
	}
	delete(l.leases, name)
	return nil
}
