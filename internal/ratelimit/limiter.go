// Package ratelimit throttles scoring requests per client.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"trust-scorer/internal/bucketing"
	"trust-scorer/internal/util"
)

// Limiter decides whether a request from key may proceed. Implementations
// that depend on a remote store return an error alongside their decision
// when the store fails.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

const (
	shardCount       = 64
	defaultIdleAfter = 5 * time.Minute
)

type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type shard struct {
	sync.Mutex
	clients map[string]*clientState
}

// MemoryLimiter keeps one token bucket per client in process memory.
type MemoryLimiter struct {
	rps       rate.Limit
	burst     int
	idleAfter time.Duration
	shards    [shardCount]*shard
	bucketer  *bucketing.BucketingManager
	now       func() time.Time
	logger    *zap.Logger
}

// NewMemoryLimiter allows rps requests per second per key with the given burst.
func NewMemoryLimiter(rps float64, burst int, logger *zap.Logger) *MemoryLimiter {
	if logger == nil {
		logger = util.Get()
	}
	m := &MemoryLimiter{
		rps:       rate.Limit(rps),
		burst:     burst,
		idleAfter: defaultIdleAfter,
		bucketer:  bucketing.NewBucketingManager(),
		now:       time.Now,
		logger:    logger,
	}
	for i := range m.shards {
		m.shards[i] = &shard{clients: make(map[string]*clientState)}
	}
	return m
}

func (m *MemoryLimiter) shardFor(key string) *shard {
	return m.shards[m.bucketer.GetBucket(key, shardCount)]
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	s := m.shardFor(key)
	now := m.now()

	s.Lock()
	state, ok := s.clients[key]
	if !ok {
		state = &clientState{limiter: rate.NewLimiter(m.rps, m.burst)}
		s.clients[key] = state
	}
	state.lastSeen = now
	allowed := state.limiter.AllowN(now, 1)
	s.Unlock()

	return allowed, nil
}

// Clients is the number of tracked keys.
func (m *MemoryLimiter) Clients() int {
	n := 0
	for _, s := range m.shards {
		s.Lock()
		n += len(s.clients)
		s.Unlock()
	}
	return n
}

// StartCleanup evicts idle clients every interval until ctx is done.
func (m *MemoryLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *MemoryLimiter) cleanup() int {
	now := m.now()
	removed := 0
	for _, s := range m.shards {
		s.Lock()
		for key, state := range s.clients {
			if now.Sub(state.lastSeen) > m.idleAfter {
				delete(s.clients, key)
				removed++
			}
		}
		s.Unlock()
	}
	if removed > 0 {
		m.logger.Debug("Evicted idle rate limit clients", util.Int("removed", removed))
	}
	return removed
}
