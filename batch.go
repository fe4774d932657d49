package relay

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ProcessBatch applies worker to each item in order and stops at the first
// error. Side effects of items already processed are not rolled back.
func ProcessBatch[T any](ctx context.Context, items []T, worker func(ctx context.Context, item T) error) error {
	if worker == nil {
		panic("relay: worker cannot be nil")
	}
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := worker(ctx, item); err != nil {
			return fmt.Errorf("relay: batch item %d: %w", i, err)
		}
	}
	return nil
}

// ProcessBatchParallel applies worker to items with at most maxConcurrency
// workers in flight. After the first failure no new items are started; the
// error is returned once every running worker has returned.
func ProcessBatchParallel[T any](ctx context.Context, items []T, worker func(ctx context.Context, item T) error, maxConcurrency int) error {
	if worker == nil {
		panic("relay: worker cannot be nil")
	}
	if maxConcurrency <= 0 {
		panic("relay: maxConcurrency must be positive")
	}
	if len(items) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	for i, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := worker(gctx, item); err != nil {
				return fmt.Errorf("relay: batch item %d: %w", i, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		panic("relay: chunk size must be positive")
	}
	if len(items) == 0 {
		return nil
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}
