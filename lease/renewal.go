package lease

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Renewer extends a lock on the underlying transport and returns the new
// expiry granted by it.
type Renewer interface {
	Renew(ctx context.Context, e Entry) (time.Time, error)
}

// RenewerFunc adapts a function to Renewer.
type RenewerFunc func(ctx context.Context, e Entry) (time.Time, error)

// Renew implements Renewer.
func (f RenewerFunc) Renew(ctx context.Context, e Entry) (time.Time, error) {
	return f(ctx, e)
}

// LoopConfig tunes a RenewalLoop.
type LoopConfig struct {
	// Interval between passes. Default: 10s.
	Interval time.Duration

	// Threshold before expiry at which a lease is renewed. Default: 30s.
	Threshold time.Duration

	// Retention for terminal entries before cleanup. Default: 24h.
	Retention time.Duration
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.Threshold <= 0 {
		c.Threshold = 30 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// PassResult summarises one renewal pass.
type PassResult struct {
	Renewed   int
	Failed    int
	Expired   int
	CleanedUp int
}

// RenewalLoop renews leases about to expire, abandons the ones that lapsed
// and cleans up old terminal entries. A failure on one entry is logged and
// the pass moves on to the next.
type RenewalLoop struct {
	tracker *Tracker
	renewer Renewer
	cfg     LoopConfig
	logger  *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRenewalLoop creates a loop. Panics if tracker or renewer is nil.
func NewRenewalLoop(tracker *Tracker, renewer Renewer, cfg LoopConfig, logger *slog.Logger) *RenewalLoop {
	if tracker == nil {
		panic("lease: tracker cannot be nil")
	}
	if renewer == nil {
		panic("lease: renewer cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RenewalLoop{
		tracker: tracker,
		renewer: renewer,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Start runs passes until ctx is done or Stop is called.
func (l *RenewalLoop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	stop := make(chan struct{})
	l.stopCh = stop
	l.doneCh = make(chan struct{})
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		close(l.doneCh)
		l.mu.Unlock()
	}()

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.logger.Info("lease renewal loop started",
		"interval", l.cfg.Interval,
		"threshold", l.cfg.Threshold,
	)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("lease renewal loop stopped by context")
			return ctx.Err()
		case <-stop:
			l.logger.Info("lease renewal loop stopped")
			return nil
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// Stop stops a running loop and waits for it to return.
func (l *RenewalLoop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	stopCh, doneCh := l.stopCh, l.doneCh
	l.stopCh = nil
	l.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	<-doneCh
}

// RunOnce executes a single pass.
func (l *RenewalLoop) RunOnce(ctx context.Context) PassResult {
	var res PassResult

	due, err := l.tracker.GetLocksNeedingRenewal(ctx, l.cfg.Threshold)
	if err != nil {
		l.logger.Error("failed to list locks needing renewal", "error", err)
	}
	for _, e := range due {
		if ctx.Err() != nil {
			return res
		}
		if l.renew(ctx, e) {
			res.Renewed++
		} else {
			res.Failed++
		}
	}

	expired, err := l.tracker.GetExpiredLocks(ctx)
	if err != nil {
		l.logger.Error("failed to list expired locks", "error", err)
	}
	for _, e := range expired {
		l.logger.Warn("lock expired before completion",
			"transport_message_id", e.TransportMessageID,
			"expired_at", e.ExpiresAt,
			"renewals", e.RenewalCount,
		)
		if err := l.tracker.UpdateLockStatus(ctx, e.TransportMessageID, StatusAbandoned); err != nil {
			l.logger.Error("failed to abandon expired lock",
				"transport_message_id", e.TransportMessageID,
				"error", err,
			)
			continue
		}
		res.Expired++
	}

	cleaned, err := l.tracker.CleanupOldLocks(ctx, l.cfg.Retention)
	if err != nil {
		l.logger.Error("failed to clean up old locks", "error", err)
	}
	res.CleanedUp = cleaned
	return res
}

func (l *RenewalLoop) renew(ctx context.Context, e Entry) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("lock renewal panicked",
				"transport_message_id", e.TransportMessageID,
				"panic", r,
			)
			ok = false
		}
	}()

	expiresAt, err := l.renewer.Renew(ctx, e)
	if err != nil {
		l.logger.Error("failed to renew lock",
			"transport_message_id", e.TransportMessageID,
			"renewals", e.RenewalCount,
			"error", err,
		)
		return false
	}
	if err := l.tracker.RenewLock(ctx, e.TransportMessageID, expiresAt); err != nil {
		// Completed between listing and renewal.
		if errors.Is(err, ErrTerminalLock) || errors.Is(err, ErrLockNotFound) {
			l.logger.Debug("lock finished during renewal", "transport_message_id", e.TransportMessageID)
			return true
		}
		l.logger.Error("failed to record renewed lock",
			"transport_message_id", e.TransportMessageID,
			"error", err,
		)
		return false
	}
	return true
}
