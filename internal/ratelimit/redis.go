package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"trust-scorer/internal/client"
)

const redisKeyPrefix = "rate_limit:predict:"

// RedisLimiter counts requests per key in fixed windows shared by every
// scorer replica. Redis errors fail open; the caller logs them.
type RedisLimiter struct {
	client *client.RedisClient
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter admits limit requests per key per window.
func NewRedisLimiter(c *client.RedisClient, limit int, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{client: c, limit: int64(limit), window: window, now: time.Now}
}

// WindowLimit converts a per-second rate into a per-window request count.
func WindowLimit(rps float64, window time.Duration) int {
	n := int(math.Ceil(rps * window.Seconds()))
	if n < 1 {
		return 1
	}
	return n
}

func (l *RedisLimiter) key(key string) string {
	slot := l.now().UnixNano() / int64(l.window)
	return fmt.Sprintf("%s%s:%d", redisKeyPrefix, key, slot)
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := l.client.IncrWithExpire(ctx, l.key(key), l.window)
	if err != nil {
		return true, fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	return count <= l.limit, nil
}
