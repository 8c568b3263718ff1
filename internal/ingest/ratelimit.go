package ingest

import (
	"sync"
	"time"
)

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// RateLimiter is a per-device token bucket map. State is in-process and
// lost on restart; buckets refill from full, which is acceptable for the
// short burst windows involved.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	burst   float64
	rate    float64 // tokens per second
	idleTTL time.Duration
	now     func() time.Time
}

// NewRateLimiter creates a limiter with capacity burst and refill rate
// perSec. Buckets idle longer than idleTTL are evicted by Sweep.
func NewRateLimiter(burst, perSec int, idleTTL time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		burst:   float64(burst),
		rate:    float64(perSec),
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// Allow takes one token for key, refilling lazily. A burst of zero refuses
// everything.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, lastSeen: now}
		rl.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastSeen).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * rl.rate
			if b.tokens > rl.burst {
				b.tokens = rl.burst
			}
		}
		b.lastSeen = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Sweep evicts buckets idle past the TTL and returns how many were
// removed. Called from the janitor tick.
func (rl *RateLimiter) Sweep() int {
	cutoff := rl.now().Add(-rl.idleTTL)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Len reports the live bucket count for the gauge.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
