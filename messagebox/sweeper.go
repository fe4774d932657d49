package messagebox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper periodically purges messages whose subscriptions are complete.
type Sweeper struct {
	box      *Box
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper creates a sweeper. Panics if interval is <= 0.
func NewSweeper(box *Box, interval time.Duration, logger *slog.Logger) *Sweeper {
	if box == nil {
		panic("messagebox: box cannot be nil")
	}
	if interval <= 0 {
		panic("messagebox: sweep interval must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{box: box, interval: interval, logger: logger}
}

// Start sweeps immediately and then on every interval until ctx is done or
// Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	stop := make(chan struct{})
	s.stopCh = stop
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.doneCh)
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("message sweeper stopped by context")
			return ctx.Err()
		case <-stop:
			s.logger.Info("message sweeper stopped")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop stops a running sweeper and waits for it to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.stopCh = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	<-doneCh
}

func (s *Sweeper) sweep(ctx context.Context) {
	if _, err := s.box.Purge(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("message sweep finished with errors", "error", err)
	}
}
