package ingestion

import (
	"sync"
	"time"
)

// bucket holds token bucket state for one system_id, the same shape as
// the retrieved rate-limiter example's per-client bucket
// (go-concurrency-projects/rate-limiter), scaled down from a sharded
// design to a single map since per-process ingestion concurrency is
// bounded by WORKERS, not by request volume.
type bucket struct {
	tokens     float64
	rate       float64 // tokens added per second
	burst      float64
	lastRefill time.Time
}

// RateLimiter is a token bucket limiter keyed on system_id (§4.7: "rate
// limited per worker by a token bucket keyed on system_id").
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   float64
}

// NewRateLimiter returns a limiter granting ratePerSecond tokens per
// second per system_id, with a burst allowance of the same size.
func NewRateLimiter(ratePerSecond float64) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    ratePerSecond,
		burst:   ratePerSecond,
	}
}

// Allow reports whether one token is available for systemID, consuming it
// if so. Workers must check Allow before processing each record belonging
// to systemID.
func (rl *RateLimiter) Allow(systemID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[systemID]
	if !ok {
		b = &bucket{tokens: rl.burst, rate: rl.rate, burst: rl.burst, lastRefill: time.Now()}
		rl.buckets[systemID] = b
	}

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
