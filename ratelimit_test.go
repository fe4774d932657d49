package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(capacity int, refill float64) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRateLimiter(capacity, refill)
	r.now = clock.Now
	r.lastRefill = clock.Now()
	return r, clock
}

func TestRateLimiter_CapacityWithoutRefill(t *testing.T) {
	limiter, clock := newTestLimiter(5, 0)

	for i := 0; i < 5; i++ {
		if !limiter.CanExecute() {
			t.Fatalf("expected to acquire token %d", i)
		}
	}
	if limiter.CanExecute() {
		t.Error("expected 6th call to be refused")
	}

	clock.Advance(time.Hour)
	if limiter.CanExecute() {
		t.Error("a bucket with zero refill must stay empty")
	}
}

func TestRateLimiter_Refill(t *testing.T) {
	limiter, clock := newTestLimiter(10, 10)

	for i := 0; i < 10; i++ {
		limiter.CanExecute()
	}
	if limiter.CanExecute() {
		t.Fatal("expected empty bucket")
	}

	clock.Advance(250 * time.Millisecond)
	if got := limiter.Tokens(); got < 2.49 || got > 2.51 {
		t.Errorf("tokens after 250ms = %v, want 2.5", got)
	}

	clock.Advance(time.Minute)
	if got := limiter.Tokens(); got != 10 {
		t.Errorf("tokens = %v, want capped at 10", got)
	}
}

func TestRateLimiter_Wait(t *testing.T) {
	limiter := NewRateLimiter(1, 50)
	limiter.CanExecute()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("expected wait to succeed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 5*time.Millisecond {
		t.Errorf("expected wait to block, elapsed %v", elapsed)
	}
}

func TestRateLimiter_WaitCancellation(t *testing.T) {
	limiter := NewRateLimiter(1, 0)
	limiter.CanExecute()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if err := limiter.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	limiter := NewRateLimiter(100, 0)

	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if limiter.CanExecute() {
					acquired.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := acquired.Load(); got != 100 {
		t.Errorf("acquired = %d, want exactly 100", got)
	}
}

func TestNewRateLimiter_Panics(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		refill   float64
	}{
		{"zero capacity", 0, 1},
		{"negative refill", 1, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			NewRateLimiter(tt.capacity, tt.refill)
		})
	}
}
