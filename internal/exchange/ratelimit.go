// ratelimit.go implements token-bucket rate limiting for venue REST APIs.
//
// Spot venues publish per-category limits measured over short windows. This
// file provides a smooth token-bucket implementation that refills
// continuously (rather than in window-sized bursts) so the bot never slams
// into a hard limit right after a quiet period.
//
// Three buckets are maintained:
//   - MarketData: tickers, depth, markets — the cheap public reads
//   - Order:      order placement
//   - Cancel:     single and bulk cancellation
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
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

// RateLimiter groups token buckets by REST endpoint category. Each adapter
// call must Wait() on the matching bucket before making the HTTP request.
type RateLimiter struct {
	MarketData *TokenBucket // tickers, depth, market metadata
	Order      *TokenBucket // order placement
	Cancel     *TokenBucket // single and bulk cancels
}

// NewRateLimiter creates buckets tuned for a polled bot: generous market-data
// headroom, tighter order and cancel budgets. Venue adapters may construct
// their own tuned limiter instead.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		MarketData: NewTokenBucket(60, 10),
		Order:      NewTokenBucket(20, 5),
		Cancel:     NewTokenBucket(30, 10),
	}
}
