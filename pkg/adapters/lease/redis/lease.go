package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskherd/taskherd/pkg/domain"
)

// renewScript extends the lease only while the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// LeaseService implements ports.LeaseService on a single Redis key per
// lease name. The token comparison runs server-side so a replica whose
// lease already expired can never renew or release a successor's lease.
type LeaseService struct {
	client *redis.Client
	logger *zap.Logger
}

// NewLeaseService creates a Redis-backed lease service.
func NewLeaseService(client *redis.Client, logger *zap.Logger) *LeaseService {
	return &LeaseService{
		client: client,
		logger: logger,
	}
}

// Acquire takes the named lease for ttl, returning the holder token.
func (l *LeaseService) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, leaseKey(name), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lease: %w", err)
	}
	if !ok {
		return "", domain.ErrLeaseHeld
	}

	l.logger.Info("lease acquired",
		zap.String("lease", name),
		zap.Duration("ttl", ttl))

	return token, nil
}

// Renew extends the lease while token still owns it.
func (l *LeaseService) Renew(ctx context.Context, name, token string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, l.client, []string{leaseKey(name)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if res == 0 {
		return domain.ErrLeaseExpired
	}
	return nil
}

// Release gives the lease up early while token still owns it.
func (l *LeaseService) Release(ctx context.Context, name, token string) error {
	res, err := releaseScript.Run(ctx, l.client, []string{leaseKey(name)}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if res == 0 {
		return domain.ErrLeaseExpired
	}

	l.logger.Info("lease released", zap.String("lease", name))
	return nil
}

func leaseKey(name string) string {
	return fmt.Sprintf("taskherd:lease:%s", name)
}
