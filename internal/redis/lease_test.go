package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLease_ExclusiveUntilReleased(t *testing.T) {
	client, _ := setupTestRedis(t)
	a := NewLease(client, "notifier-a", zap.NewNop())
	b := NewLease(client, "notifier-b", zap.NewNop())
	ctx := context.Background()

	release, ok, err := a.TryAcquire(ctx, "queue-drain", time.Minute)
	if err != nil || !ok {
		t.Fatalf("a: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := b.TryAcquire(ctx, "queue-drain", time.Minute); ok {
		t.Fatal("b must not acquire a held lease")
	}
	if _, ok, _ := b.TryAcquire(ctx, "other", time.Minute); !ok {
		t.Fatal("leases are independent by name")
	}

	release(ctx)
	if _, ok, _ := b.TryAcquire(ctx, "queue-drain", time.Minute); !ok {
		t.Fatal("b should acquire after release")
	}
}

func TestLease_StaleReleaseKeepsNewHolder(t *testing.T) {
	client, mr := setupTestRedis(t)
	a := NewLease(client, "notifier-a", zap.NewNop())
	b := NewLease(client, "notifier-b", zap.NewNop())
	ctx := context.Background()

	releaseA, ok, _ := a.TryAcquire(ctx, "queue-drain", time.Minute)
	if !ok {
		t.Fatal("a should acquire")
	}
	mr.FastForward(time.Minute + time.Second)

	if _, ok, _ := b.TryAcquire(ctx, "queue-drain", time.Minute); !ok {
		t.Fatal("b should acquire the expired lease")
	}

	releaseA(ctx)
	if _, ok, _ := a.TryAcquire(ctx, "queue-drain", time.Minute); ok {
		t.Fatal("a's late release must not free b's lease")
	}
}
