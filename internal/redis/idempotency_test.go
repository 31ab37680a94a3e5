package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := NewFromClient(rdb, zap.NewNop())

	return client, mr, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestIdempotencyService_NewRequest(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())

	result, err := svc.CheckOrReserve(context.Background(), "owner-1", "key-1", "fp-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result for new request, got: %+v", result)
	}
}

func TestIdempotencyService_InFlightDuplicate(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "owner-1", "key-1", "fp-a"); err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if _, err := svc.CheckOrReserve(ctx, "owner-1", "key-1", "fp-a"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("expected ErrDuplicateRequest, got: %v", err)
	}
}

func TestIdempotencyService_ReplaysStoredResponse(t *testing.T) {
	client, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "owner-1", "key-1", "fp-a"); err != nil {
		t.Fatal(err)
	}
	body := json.RawMessage(`{"sent":2,"failed":1}`)
	if err := svc.Store(ctx, "owner-1", "key-1", &IdempotencyResult{Fingerprint: "fp-a", StatusCode: 200, Body: body}, IdempotencyTTL); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	cached, err := svc.CheckOrReserve(ctx, "owner-1", "key-1", "fp-a")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if cached == nil || cached.StatusCode != 200 || string(cached.Body) != string(body) {
		t.Fatalf("cached = %+v", cached)
	}
	if cached.CreatedAt == 0 {
		t.Error("CreatedAt should be set on store")
	}

	if _, err := svc.CheckOrReserve(ctx, "owner-1", "key-1", "fp-b"); !errors.Is(err, ErrKeyReused) {
		t.Errorf("different body: err = %v, want ErrKeyReused", err)
	}

	mr.FastForward(IdempotencyTTL + time.Second)
	if cached, err := svc.Check(ctx, "owner-1", "key-1"); err != nil || cached != nil {
		t.Errorf("after ttl = %+v, %v; want nil, nil", cached, err)
	}
}

func TestIdempotencyService_ScopeIsolation(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	if _, err := svc.CheckOrReserve(ctx, "owner-A", "same-key", ""); err != nil {
		t.Fatalf("owner A failed: %v", err)
	}
	result, err := svc.CheckOrReserve(ctx, "owner-B", "same-key", "")
	if err != nil {
		t.Fatalf("owner B should succeed: %v", err)
	}
	if result != nil {
		t.Fatal("owner B should get nil (new request)")
	}
}

func TestIdempotencyService_Release(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	svc := NewIdempotencyService(client, zap.NewNop())
	ctx := context.Background()

	reserved, err := svc.Reserve(ctx, "owner-1", "key-1")
	if err != nil || !reserved {
		t.Fatalf("reserve failed: %v, reserved: %v", err, reserved)
	}
	if err := svc.Release(ctx, "owner-1", "key-1"); err != nil {
		t.Fatal(err)
	}
	reserved, err = svc.Reserve(ctx, "owner-1", "key-1")
	if err != nil || !reserved {
		t.Fatalf("reserve after release: %v, reserved: %v", err, reserved)
	}
}
