//go:build e2e

// Package e2e exercises the store layer and the full HTTP stack against a
// real Redis. The tests skip when no Redis answers on 127.0.0.1:6379 (or
// REDIS_ADDR), so they are safe to run anywhere.
package e2e

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"ratelimiter/internal/store"
)

func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "127.0.0.1:6379"
}

// newStoreClient returns a store client over a real Redis, skipping the
// test when Redis is unreachable. Keys touched by the tests are wiped
// first for a clean slate.
func newStoreClient(t *testing.T, cleanup ...string) *store.Client {
	t.Helper()
	addr := redisAddr()

	rc := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping: Redis not reachable on %s: %v", addr, err)
	}
	for _, pattern := range cleanup {
		keys, _ := rc.Keys(context.Background(), pattern).Result()
		if len(keys) > 0 {
			_ = rc.Del(context.Background(), keys...).Err()
		}
	}
	_ = rc.Close()

	commander := store.NewGoRedisCommander(addr, "", 0, 10, 100*time.Millisecond)
	client := store.New(commander, store.Options{OpTimeout: 100 * time.Millisecond}, zerolog.Nop())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestCheckAndIncrementE2E(t *testing.T) {
	identity := "e2e-counter-user"
	c := newStoreClient(t, store.UserKey(identity)+":*")

	const limit = 5
	ctx := context.Background()
	for i := 1; i <= limit; i++ {
		d, err := c.CheckAndIncrement(ctx, identity, limit, time.Minute)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if !d.Allowed || d.Count != int64(i) {
			t.Fatalf("request %d: %+v", i, d)
		}
	}

	// The budget is spent; further requests are denied without
	// incrementing the counter.
	for i := 0; i < 3; i++ {
		d, err := c.CheckAndIncrement(ctx, identity, limit, time.Minute)
		if err != nil {
			t.Fatalf("denied request: %v", err)
		}
		if d.Allowed || d.Count != limit {
			t.Fatalf("denied request: %+v", d)
		}
	}

	// Status sees the same window the script wrote.
	u, err := c.Status(ctx, identity, time.Minute)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if u.Count != limit {
		t.Fatalf("status count: %d", u.Count)
	}

	// Reset clears the window and readmits.
	deleted, err := c.ResetCounters(ctx, identity)
	if err != nil || deleted < 1 {
		t.Fatalf("reset: deleted=%d err=%v", deleted, err)
	}
	d, err := c.CheckAndIncrement(ctx, identity, limit, time.Minute)
	if err != nil || !d.Allowed || d.Count != 1 {
		t.Fatalf("after reset: %+v err=%v", d, err)
	}
}

func TestHealthRoundTripE2E(t *testing.T) {
	c := newStoreClient(t, store.HealthKey)
	ctx := context.Background()

	set, err := c.SetHealth(ctx, "DEGRADED", 2*time.Second, "e2e")
	if err != nil {
		t.Fatalf("set health: %v", err)
	}
	if set["status"] != "DEGRADED" || set["updated_by"] != "e2e" {
		t.Fatalf("set reply: %v", set)
	}

	got, err := c.GetHealth(ctx)
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	if got["status"] != "DEGRADED" {
		t.Fatalf("get reply: %v", got)
	}

	// The TTL arms auto-recovery: the hash expires and reads empty.
	time.Sleep(2500 * time.Millisecond)
	got, err = c.GetHealth(ctx)
	if err != nil {
		t.Fatalf("get health after expiry: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected expired hash, got %v", got)
	}
}

func TestAbuseBlockE2E(t *testing.T) {
	source := "e2e-198.51.100.7"
	c := newStoreClient(t, store.InvalidKeyCounter(source), store.BlockedKey(source))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n, err := c.BumpAbuse(ctx, source, time.Minute)
		if err != nil || n != int64(i) {
			t.Fatalf("bump %d: n=%d err=%v", i, n, err)
		}
	}

	blocked, err := c.IsBlocked(ctx, source)
	if err != nil || blocked {
		t.Fatalf("pre-block: blocked=%v err=%v", blocked, err)
	}

	if err := c.Block(ctx, source, time.Minute); err != nil {
		t.Fatalf("block: %v", err)
	}
	blocked, err = c.IsBlocked(ctx, source)
	if err != nil || !blocked {
		t.Fatalf("post-block: blocked=%v err=%v", blocked, err)
	}
}
