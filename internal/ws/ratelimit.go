// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package ws

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Default rate limiting values.
const (
	// DefaultBurst is the number of frames a connection may send back to back.
	DefaultBurst = 20
	// DefaultRate is the sustained frames per second refill rate.
	DefaultRate = 10.0
	// MinRate keeps a misconfigured limiter from locking connections out.
	MinRate = 0.1
)

// RateLimitConfig configures the per-connection limiter.
type RateLimitConfig struct {
	// Burst is the bucket capacity. Zero or negative means DefaultBurst.
	Burst int
	// Rate is the refill rate in frames per second. Zero or negative means
	// DefaultRate.
	Rate float64
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// RateLimiter is a token bucket per connection. It is safe for concurrent
// use. Buckets are dropped with Forget when a connection closes.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[ulid.ULID]*bucket
	burst   int
	rate    float64
	now     func() time.Time
}

// NewRateLimiter creates a limiter, applying defaults for unset values.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	rate := cfg.Rate
	if rate <= 0 {
		rate = DefaultRate
	}
	if rate < MinRate {
		rate = MinRate
	}
	return &RateLimiter{
		buckets: make(map[ulid.ULID]*bucket),
		burst:   burst,
		rate:    rate,
		now:     time.Now,
	}
}

// Allow consumes one token for connID. When the bucket is empty it returns
// false and the milliseconds until the next token.
func (rl *RateLimiter) Allow(connID ulid.ULID) (allowed bool, cooldownMs int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[connID]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), lastCheck: now}
		rl.buckets[connID] = b
	}

	b.tokens += now.Sub(b.lastCheck).Seconds() * rl.rate
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastCheck = now

	if b.tokens >= 1.0 {
		b.tokens--
		return true, 0
	}
	deficit := 1.0 - b.tokens
	return false, int64(deficit / rl.rate * 1000)
}

// Forget drops the bucket for connID.
func (rl *RateLimiter) Forget(connID ulid.ULID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, connID)
}

// Len returns the number of tracked connections.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
