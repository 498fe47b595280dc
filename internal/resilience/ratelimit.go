package resilience

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a token bucket. Kite Connect rejects bursts above
// its per-second quota with HTTP 429, so every guarded call takes a token.
type RateLimiter struct {
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
	now        func() time.Time
}

// NewRateLimiter creates a limiter that starts with a full bucket.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
		now:        time.Now,
	}
}

// reserve takes a token when one is available, otherwise it returns how
// long until the next token accrues.
func (r *RateLimiter) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.tokens += now.Sub(r.lastUpdate).Seconds() * r.rate
	r.lastUpdate = now
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}

	if r.tokens >= 1 {
		r.tokens--
		return 0
	}
	return time.Duration((1 - r.tokens) / r.rate * float64(time.Second))
}

// Allow reports whether a call may proceed now, consuming a token if so.
func (r *RateLimiter) Allow() bool {
	return r.reserve() == 0
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait := r.reserve()
		if wait == 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
