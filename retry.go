package relay

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines how retries should be handled.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Set to 0 for unlimited retries.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration

	// Multiplier is the factor by which the delay increases after each retry.
	Multiplier float64

	// Jitter adds randomness to delays to prevent thundering herd.
	// Value between 0 and 1 (e.g., 0.1 = 10% jitter).
	Jitter float64

	// OnRetry, when set, is called before each wait with the attempt that
	// just failed (1-indexed), its error, and the delay about to be slept.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy returns a sensible default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Delay calculates the delay for the given attempt number (0-indexed).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt == 0 {
		return 0
	}

	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		jitter := delay * p.Jitter * (rand.Float64()*2 - 1) // -jitter to +jitter
		delay += jitter
	}

	return time.Duration(delay)
}

// ShouldRetry returns true if another attempt should be made.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	if p.MaxAttempts == 0 {
		return true // unlimited
	}
	return attempt < p.MaxAttempts
}

// Execute runs op until it succeeds, returns an error shouldRetry rejects,
// or the policy runs out of attempts. The last error is returned unchanged.
// A nil shouldRetry means IsTransient.
//
// Cancellation of ctx aborts a pending wait immediately.
func (p RetryPolicy) Execute(ctx context.Context, op func(ctx context.Context) error, shouldRetry func(error) bool) error {
	_, err := Retry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, shouldRetry)
	return err
}

// Retry is Execute for operations that produce a value.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error), shouldRetry func(error) bool) (T, error) {
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error

	for attempt := 0; p.ShouldRetry(attempt); attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt)
			if p.OnRetry != nil {
				p.OnRetry(attempt, lastErr, delay)
			}

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		lastErr = err
		if !shouldRetry(err) {
			return zero, err
		}
	}

	return zero, lastErr
}
