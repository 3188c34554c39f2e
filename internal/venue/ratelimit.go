// ratelimit.go implements token-bucket rate limiting for the venue REST API.
//
// The venue enforces an order budget per 10-second window plus a request
// weight budget per minute. This file provides a smooth token-bucket
// implementation that refills continuously (rather than in window-sized
// bursts) to stay clear of the hard limits.
//
// Three buckets are maintained:
//   - Order:  150 burst / 15 per sec (half of the 300-per-10s order budget)
//   - Cancel: 150 burst / 15 per sec (cancels share the order window)
//   - Read:   400 burst / 40 per sec (2400 request weight per minute)
package venue

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by venue endpoint category. Each client
// method must call the appropriate bucket's Wait() before making the HTTP
// request.
type RateLimiter struct {
	Order  *TokenBucket // POST /fapi/v1/order and account setup writes
	Cancel *TokenBucket // DELETE /fapi/v1/order
	Read   *TokenBucket // position, order and metadata reads
}

// NewRateLimiter creates rate limiters tuned to the venue's published
// budgets. Capacities are the burst allowance, rates the smooth refill.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(150, 15),
		Cancel: NewTokenBucket(150, 15),
		Read:   NewTokenBucket(400, 40),
	}
}
