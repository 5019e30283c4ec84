package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/taskherd/taskherd/pkg/domain"
)

func TestAcquire_SecondHolderRejected(t *testing.T) {
	t.Parallel()

	svc := NewLeaseService()
	ctx := context.Background()

	token, err := svc.Acquire(ctx, "orchestrator", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if token == "" {
		t.Fatal("Acquire() returned empty token")
	}

	if _, err := svc.Acquire(ctx, "orchestrator", time.Minute); !errors.Is(err, domain.ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
}

func TestAcquire_AfterExpiry(t *testing.T) {
	t.Parallel()

	svc := NewLeaseService()
	ctx := context.Background()

	if _, err := svc.Acquire(ctx, "orchestrator", 20*time.Millisecond); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	if _, err := svc.Acquire(ctx, "orchestrator", time.Minute); err != nil {
		t.Fatalf("Acquire() after expiry error = %v", err)
	}
}

func TestRenew_ExtendsOwnLease(t *testing.T) {
	t.Parallel()

	svc := NewLeaseService()
	ctx := context.Background()

	token, err := svc.Acquire(ctx, "orchestrator", 60*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if err := svc.Renew(ctx, "orchestrator", token, 60*time.Millisecond); err != nil {
		t.Fatalf("Renew() error = %v", err)
	}

	// Past the original expiry but inside the renewed window.
	time.Sleep(40 * time.Millisecond)
	if err := svc.Renew(ctx, "orchestrator", token, 60*time.Millisecond); err != nil {
		t.Fatalf("Renew() after extension error = %v", err)
	}
}

func TestRenew_LapsedLeaseRejected(t *testing.T) {
	t.Parallel()

	svc := NewLeaseService()
	ctx := context.Background()

	token, err := svc.Acquire(ctx, "orchestrator", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	if err := svc.Renew(ctx, "orchestrator", token, time.Minute); !errors.Is(err, domain.ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired, got %v", err)
	}
}

func TestRenew_WrongTokenRejected(t *testing.T) {
	t.Parallel()

	svc := NewLeaseService()
	ctx := context.Background()

	if _, err := svc.Acquire(ctx, "orchestrator", time.Minute); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := svc.Renew(ctx, "orchestrator", "stale-token", time.Minute); !errors.Is(err, domain.ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired, got %v", err)
	}
}

func TestRelease_FreesLease(t *testing.T) {
	t.Parallel()

	svc := NewLeaseService()
	ctx := context.Background()

	token, err := svc.Acquire(ctx, "orchestrator", time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := svc.Release(ctx, "orchestrator", token); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := svc.Acquire(ctx, "orchestrator", time.Minute); err != nil {
		t.Fatalf("Acquire() after release error = %v", err)
	}
}

func TestRelease_CannotTouchSuccessor(t *testing.T) {
	t.Parallel()

	svc := NewLeaseService()
	ctx := context.Background()

	old, err := svc.Acquire(ctx, "orchestrator", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	if _, err := svc.Acquire(ctx, "orchestrator", time.Minute); err != nil {
		t.Fatalf("successor Acquire() error = %v", err)
	}

	// The lapsed holder must not be able to release the new lease.
	if err := svc.Release(ctx, "orchestrator", old); !errors.Is(err, domain.ErrLeaseExpired) {
		t.Fatalf("expected ErrLeaseExpired, got %v", err)
	}
	if _, err := svc.Acquire(ctx, "orchestrator", time.Minute); !errors.Is(err, domain.ErrLeaseHeld) {
		t.Fatalf("successor lease vanished: %v", err)
	}
}
