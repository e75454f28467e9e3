package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})
	return &Client{rdb: rdb, logger: zap.NewNop()}, mr
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.CheckOrReserve(context.Background(), "user-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_InFlightDuplicate(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "user-1", "key-1"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "user-1", "key-1"); err != ErrDuplicateRequest {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_ReplayReturnsStoredResult(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "user-1", "key-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Store(ctx, "user-1", "key-1", &IdempotencyResult{
		NotificationID: "3f1c",
		Queued:         true,
		StatusCode:     201,
	}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, "user-1", "key-1")
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if cached == nil || cached.NotificationID != "3f1c" || !cached.Queued || cached.StatusCode != 201 {
		t.Fatalf("unexpected cached result: %+v", cached)
	}
	if cached.CreatedAt == 0 {
		t.Error("created_at should be filled in")
	}

	mr.FastForward(IdempotencyTTL + time.Second)
	if cached, _ := svc.Check(ctx, "user-1", "key-1"); cached != nil {
		t.Fatal("result should expire")
	}
}

func TestIdempotencyService_ScopeIsolation(t *testing.T) {
	client, _ := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "user-1", "same-key"); err != nil {
		t.Fatalf("user 1 failed: %v", err)
	}
	result, err := svc.CheckOrReserve(ctx, "user-2", "same-key")
	if err != nil {
		t.Fatalf("user 2 should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("user 2 should get nil (new request)")
	}
}

func TestIdempotencyService_Release(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "user-1", "key-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Release(ctx, "user-1", "key-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("nicotrack:idempotency:user-1:key-1") {
		t.Fatal("reservation should be gone")
	}

	// A stored result survives Release.
	if _, err := svc.CheckOrReserve(ctx, "user-1", "key-2"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_ = svc.Store(ctx, "user-1", "key-2", &IdempotencyResult{StatusCode: 200}, IdempotencyTTL)
	if err := svc.Release(ctx, "user-1", "key-2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if cached, _ := svc.Check(ctx, "user-1", "key-2"); cached == nil {
		t.Fatal("stored result must not be released")
	}
}

func TestIdempotencyService_ReservationExpires(t *testing.T) {
	client, mr := setupTestRedis(t)
	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if ok, err := svc.Reserve(ctx, "user-1", "key-1"); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	mr.FastForward(processingTTL + time.Second)
	if ok, _ := svc.Reserve(ctx, "user-1", "key-1"); !ok {
		t.Fatal("expired reservation should be reusable")
	}
}
