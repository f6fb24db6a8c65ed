package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Defaults for the idle-bucket eviction cycle.
const (
	DefaultIdleTTL       = 10 * time.Minute
	DefaultSweepInterval = time.Minute
)

// MemoryConfig tunes a MemoryLimiter. Zero durations fall back to the
// defaults; tests shrink them to keep runs fast.
type MemoryConfig struct {
	Rate          float64 // sustained requests per second per key
	Burst         int     // bucket capacity
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.IdleTTL <= 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// bucket tracks the token balance for one rate-limit key.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

func (b *bucket) refill(now time.Time, rate, burst float64) {
	b.tokens += now.Sub(b.lastSeen).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastSeen = now
}

// MemoryLimiter is an in-process token bucket Limiter keyed by caller
// identity. Guests are keyed by client IP and signed-in users by owner id,
// so one chatty canvas cannot starve the rest of the API.
//
// Buckets idle past the TTL are swept by a background goroutine; Close
// stops it.
type MemoryLimiter struct {
	cfg MemoryConfig

	mu      sync.Mutex
	buckets map[string]*bucket

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter and starts its sweeper.
func NewMemoryLimiter(cfg MemoryConfig) *MemoryLimiter {
	m := &MemoryLimiter{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow consumes one token from key's bucket. A key seen for the first
// time starts with a full bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		m.buckets[key] = &bucket{
			tokens:   float64(m.cfg.Burst) - 1,
			lastSeen: now,
		}
		return true, nil
	}

	b.refill(now, m.cfg.Rate, float64(m.cfg.Burst))
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// RetryAfter reports how long a denied caller should wait for one token
// to become available again.
func (m *MemoryLimiter) RetryAfter() time.Duration {
	if m.cfg.Rate <= 0 {
		return time.Second
	}
	return time.Duration(math.Ceil(float64(time.Second) / m.cfg.Rate))
}

// Close stops the sweeper. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle(time.Now())
		}
	}
}

// evictIdle drops buckets whose last access is older than the TTL,
// bounding memory under key churn.
func (m *MemoryLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-m.cfg.IdleTTL)

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
