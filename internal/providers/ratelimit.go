package providers

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a token-bucket rate limiter shared by provider
// clients and worker pools.
type RateLimiter struct {
	mu sync.Mutex

	requestsPerSecond float64
	tokens            float64
	maxTokens         float64
	lastRefill        time.Time

	// backoffUntil is set after a 429; Wait blocks until it passes.
	backoffUntil time.Time
	count429     int
}

// NewRateLimiter creates a limiter allowing requestsPerSecond sustained
// throughput with a burst of one second's worth of tokens.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1.0
	}
	max := requestsPerSecond
	if max < 1 {
		max = 1
	}
	return &RateLimiter{
		requestsPerSecond: requestsPerSecond,
		tokens:            max,
		maxTokens:         max,
		lastRefill:        time.Now(),
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if r.TryConsume() {
			return nil
		}
		select {
		case <-time.After(r.retryInterval()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryConsume attempts to take a token without blocking.
func (r *RateLimiter) TryConsume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Before(r.backoffUntil) {
		return false
	}

	r.refill(now)
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Record429 notes a rate-limit response from the provider and pauses the
// bucket. Repeated 429s extend the pause.
func (r *RateLimiter) Record429() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count429++
	pause := time.Duration(r.count429) * 5 * time.Second
	if pause > 60*time.Second {
		pause = 60 * time.Second
	}
	r.backoffUntil = time.Now().Add(pause)
}

// Status returns available tokens and the 429 count, for logging.
func (r *RateLimiter) Status() (tokens float64, count429 int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(time.Now())
	return r.tokens, r.count429
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.requestsPerSecond
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
	r.lastRefill = now
}

func (r *RateLimiter) retryInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	interval := time.Duration(float64(time.Second) / r.requestsPerSecond / 4)
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	return interval
}
