package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrTimeout is returned when a write exceeds the adapter's command timeout.
var ErrTimeout = errors.New("relay: write timed out")

// Middleware wraps an Applier to add behavior.
type Middleware[T any] func(Applier[T]) Applier[T]

// Chain combines middlewares; the first one is outermost.
func Chain[T any](middlewares ...Middleware[T]) Middleware[T] {
	return func(applier Applier[T]) Applier[T] {
		for i := len(middlewares) - 1; i >= 0; i-- {
			applier = middlewares[i](applier)
		}
		return applier
	}
}

// RecoveryMiddleware turns a panic inside the wrapped applier into an error
// so one misbehaving connector cannot take down the process.
func RecoveryMiddleware[T any](logger *slog.Logger) Middleware[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Applier[T]) Applier[T] {
		return ApplierFunc[T](func(ctx context.Context, records []T) (handled, skipped []T, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("applier panicked", "panic", r, "count", len(records))
					handled, skipped = nil, nil
					err = fmt.Errorf("relay: applier panicked: %v", r)
				}
			}()
			return next.Apply(ctx, records)
		})
	}
}

// TimeoutMiddleware bounds every Apply call by d. When the deadline hits,
// what was handled so far is kept and the error wraps ErrTimeout.
func TimeoutMiddleware[T any](d time.Duration) Middleware[T] {
	if d <= 0 {
		panic("relay: timeout must be positive")
	}
	return func(next Applier[T]) Applier[T] {
		return ApplierFunc[T](func(ctx context.Context, records []T) ([]T, []T, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			handled, skipped, err := next.Apply(tctx, records)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return handled, skipped, fmt.Errorf("%w after %s: %w", ErrTimeout, d, err)
			}
			return handled, skipped, err
		})
	}
}
