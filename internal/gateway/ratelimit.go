package gateway

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket limiter used by adapters to stay under the
// platform's API rate limits. It allows a burst up to the bucket capacity,
// then refills at a steady rate.
type RateLimiter struct {
	rate       float64 // tokens added per second
	capacity   int
	tokens     float64
	lastRefill time.Time

	mu sync.Mutex
}

// NewRateLimiter creates a limiter that refills rate tokens per second with
// a maximum burst of capacity.
func NewRateLimiter(rate float64, capacity int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		capacity:   capacity,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if r.Allow() {
			return nil
		}

		wait := r.waitDuration()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Tokens returns the current number of available tokens.
func (r *RateLimiter) Tokens() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	return r.tokens
}

// refill adds tokens based on elapsed time. Caller holds the lock.
func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill)

	r.tokens += elapsed.Seconds() * r.rate
	if r.tokens > float64(r.capacity) {
		r.tokens = float64(r.capacity)
	}
	r.lastRefill = now
}

func (r *RateLimiter) waitDuration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	if r.tokens >= 1 {
		return 0
	}
	needed := 1 - r.tokens
	return time.Duration(needed / r.rate * float64(time.Second))
}
