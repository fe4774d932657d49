package relay

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket. Tokens are refilled lazily from the
// wall-clock time elapsed since the previous check, so an idle limiter
// costs nothing.
type RateLimiter struct {
	capacity   float64
	refillRate float64 // tokens per second

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter creates a full bucket holding capacity tokens that refills
// at refillPerSecond tokens per second. A refill rate of zero yields a bucket
// that is never replenished.
func NewRateLimiter(capacity int, refillPerSecond float64) *RateLimiter {
	if capacity <= 0 {
		panic("relay: capacity must be positive")
	}
	if refillPerSecond < 0 {
		panic("relay: refill rate cannot be negative")
	}
	return &RateLimiter{
		capacity:   float64(capacity),
		refillRate: refillPerSecond,
		tokens:     float64(capacity),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// CanExecute consumes a token if one is available. It never blocks.
func (r *RateLimiter) CanExecute() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is consumed or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait, ok := r.reserve()
		if ok {
			return nil
		}

		if wait <= 0 {
			// Never refilled: only cancellation can release the caller.
			<-ctx.Done()
			return ctx.Err()
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

// Tokens returns the currently available tokens after refilling.
func (r *RateLimiter) Tokens() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	return r.tokens
}

// reserve consumes a token or reports how long until one is due.
func (r *RateLimiter) reserve() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()

	if r.tokens >= 1 {
		r.tokens--
		return 0, true
	}
	if r.refillRate == 0 {
		return 0, false
	}

	missing := 1 - r.tokens
	wait := time.Duration(missing / r.refillRate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false
}

func (r *RateLimiter) refill() {
	now := r.now()
	elapsed := now.Sub(r.lastRefill)
	r.lastRefill = now

	if elapsed <= 0 || r.refillRate == 0 {
		return
	}

	r.tokens += elapsed.Seconds() * r.refillRate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
}
