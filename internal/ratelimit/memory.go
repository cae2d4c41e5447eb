package ratelimit

import (
	"math"
	"sync"
	"time"

	"gatekeeper/internal/models"

	"golang.org/x/time/rate"
)

// Config sizes a MemoryLimiter.
type Config struct {
	RequestsPerMinute int
	Burst             int
	CleanupInterval   time.Duration
	// Now overrides the time source; nil means time.Now.
	Now func() time.Time
}

// ConfigFrom converts the issue throttle configuration section.
func ConfigFrom(cfg models.ThrottleConfig) Config {
	return Config{
		RequestsPerMinute: cfg.RequestsPerMinute,
		Burst:             cfg.BurstSize,
		CleanupInterval:   cfg.CleanupInterval,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one golang.org/x/time/rate token bucket per key. Keys
// idle for two cleanup intervals are evicted by a background goroutine.
type MemoryLimiter struct {
	every   rate.Limit
	burst   int
	perMin  int
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	done    chan struct{}
	closed  bool
}

// NewMemoryLimiter starts a limiter. A zero cleanup interval disables the
// background eviction.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &MemoryLimiter{
		every:   rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute)),
		burst:   cfg.Burst,
		perMin:  cfg.RequestsPerMinute,
		idleTTL: 2 * cfg.CleanupInterval,
		now:     cfg.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		go m.sweep(cfg.CleanupInterval)
	}
	return m
}

// Allow takes one token from key's bucket if available.
func (m *MemoryLimiter) Allow(key string) (bool, Info) {
	now := m.now()

	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(m.every, m.burst)}
		m.buckets[key] = b
	}
	b.lastSeen = now
	m.mu.Unlock()

	allowed := b.limiter.AllowN(now, 1)
	tokens := b.limiter.TokensAt(now)

	info := Info{
		Limit:     m.perMin,
		Remaining: int(math.Max(0, math.Floor(tokens))),
		ResetAt:   now.Add(m.refill(float64(m.burst) - tokens)),
	}
	if !allowed {
		info.RetryAfter = m.refill(1 - tokens)
	}
	return allowed, info
}

// refill returns how long the bucket needs to gain n tokens.
func (m *MemoryLimiter) refill(n float64) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n / float64(m.every) * float64(time.Second))
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops the eviction goroutine. It is safe to call more than once.
func (m *MemoryLimiter) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
}

func (m *MemoryLimiter) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() int {
	cutoff := m.now().Add(-m.idleTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for key, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, key)
			evicted++
		}
	}
	return evicted
}
