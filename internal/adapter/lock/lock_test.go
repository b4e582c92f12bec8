package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		mr.Close()
	}
	return NewRedisLocker(rdb, "tenant-a"), mr, cleanup
}

func TestRedisLocker_AcquireThenRelease(t *testing.T) {
	locker, _, cleanup := newTestLocker(t)
	defer cleanup()
	ctx := context.Background()

	h, err := locker.Acquire(ctx, "balance:u1", time.Second, time.Second, 3)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	h2, err := locker.Acquire(ctx, "balance:u1", time.Second, time.Second, 3)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = h2.Release(ctx)
}

func TestRedisLocker_SecondAcquireBlocksUntilReleased(t *testing.T) {
	locker, _, cleanup := newTestLocker(t)
	defer cleanup()
	ctx := context.Background()

	h, err := locker.Acquire(ctx, "balance:u2", time.Minute, time.Second, 2)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "balance:u2", time.Minute, 100*time.Millisecond, 3); err == nil {
		t.Fatalf("expected second Acquire to fail while lock is held")
	}
	_ = h.Release(ctx)
}

func TestRedisLocker_FallbackWhenClientNil(t *testing.T) {
	locker := NewRedisLocker(nil, "tenant-a")
	ctx := context.Background()

	h, err := locker.Acquire(ctx, "balance:u3", time.Second, time.Second, 3)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := locker.Acquire(ctx, "balance:u3", time.Second, 50*time.Millisecond, 2); err == nil {
		t.Fatalf("expected second Acquire to fail while local fallback lock is held")
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestHealthWatchdog_DegradesAndFallsBackOnRedisOutage(t *testing.T) {
	locker, mr, _ := newTestLocker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	locker.StartHealthWatchdog(ctx, 20*time.Millisecond, 100*time.Millisecond)

	mr.Close()
	time.Sleep(100 * time.Millisecond)
	if !locker.degraded.Load() {
		t.Fatalf("expected locker to be degraded after redis outage")
	}

	h, err := locker.Acquire(ctx, "balance:u4", time.Second, time.Second, 3)
	if err != nil {
		t.Fatalf("Acquire should fall back locally while degraded: %v", err)
	}
	_ = h.Release(ctx)
}
