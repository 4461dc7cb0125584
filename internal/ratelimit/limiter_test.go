package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"trust-scorer/internal/client"
)

func TestMemoryLimiterBurstPerClient(t *testing.T) {
	m := NewMemoryLimiter(1, 3, zap.NewNop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if ok, _ := m.Allow(ctx, "10.0.0.1"); !ok {
			t.Fatalf("request %d inside burst rejected", i)
		}
	}
	if ok, _ := m.Allow(ctx, "10.0.0.1"); ok {
		t.Fatal("request beyond burst allowed")
	}
	if ok, _ := m.Allow(ctx, "10.0.0.2"); !ok {
		t.Fatal("second client should have its own bucket")
	}

	now = now.Add(time.Second)
	if ok, _ := m.Allow(ctx, "10.0.0.1"); !ok {
		t.Fatal("token not refilled after one second")
	}
}

func TestMemoryLimiterCleanup(t *testing.T) {
	m := NewMemoryLimiter(5, 5, zap.NewNop())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	m.Allow(ctx, "a")
	m.Allow(ctx, "b")
	now = now.Add(4 * time.Minute)
	m.Allow(ctx, "b")
	now = now.Add(2 * time.Minute)

	if removed := m.cleanup(); removed != 1 {
		t.Fatalf("removed %d clients, want 1", removed)
	}
	if m.Clients() != 1 {
		t.Fatalf("clients = %d, want 1", m.Clients())
	}
}

func newRedisLimiter(t *testing.T, limit int, window time.Duration) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLimiter(client.NewRedisClientFrom(rdb, zap.NewNop()), limit, window), mr
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	l, mr := newRedisLimiter(t, 2, time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 5, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "198.51.100.4")
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := l.Allow(ctx, "198.51.100.4"); ok {
		t.Fatal("third request in window allowed")
	}

	key := l.key("198.51.100.4")
	if got, _ := mr.Get(key); got != "3" {
		t.Fatalf("counter %s = %q, want 3", key, got)
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("ttl = %v", ttl)
	}

	now = now.Add(time.Minute)
	if ok, _ := l.Allow(ctx, "198.51.100.4"); !ok {
		t.Fatal("next window should start a fresh count")
	}
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	l, mr := newRedisLimiter(t, 1, time.Minute)
	mr.Close()

	ok, err := l.Allow(context.Background(), "198.51.100.4")
	if !ok {
		t.Fatal("limiter should fail open when redis is down")
	}
	if err == nil {
		t.Fatal("backend error should be reported")
	}
}

func TestWindowLimit(t *testing.T) {
	tests := []struct {
		rps    float64
		window time.Duration
		want   int
	}{
		{20, time.Minute, 1200},
		{0.5, 3 * time.Second, 2},
		{0, time.Minute, 1},
	}
	for _, tt := range tests {
		if got := WindowLimit(tt.rps, tt.window); got != tt.want {
			t.Errorf("WindowLimit(%v, %v) = %d, want %d", tt.rps, tt.window, got, tt.want)
		}
	}
}
