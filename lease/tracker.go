package lease

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets a custom logger.
// Default: slog.Default(). If nil is passed, uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker records and transitions transport locks.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker on top of store. Panics if store is nil.
func NewTracker(store Store, opts ...Option) *Tracker {
	if store == nil {
		panic("lease: store cannot be nil")
	}
	t := &Tracker{
		store:  store,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordMessageLock upserts the lock held on a transport message. A
// redelivered message starts a fresh lease: the token and expiry are
// replaced, the status returns to Active and the renewal count resets.
func (t *Tracker) RecordMessageLock(ctx context.Context, id, lockToken string, expiresAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("lease: transport message id is required")
	}
	now := t.now()
	e := Entry{
		TransportMessageID: id,
		LockToken:          lockToken,
		ExpiresAt:          expiresAt,
		Status:             StatusActive,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if existing, err := t.store.Get(ctx, id); err == nil {
		e.CreatedAt = existing.CreatedAt
		t.logger.Debug("lock re-recorded",
			"transport_message_id", id,
			"previous_status", existing.Status,
		)
	}
	return t.store.Put(ctx, e)
}

// UpdateLockStatus moves a lock into a terminal state. Repeating the same
// terminal transition is a no-op; moving between two different terminal
// states is rejected with ErrTerminalLock.
func (t *Tracker) UpdateLockStatus(ctx context.Context, id string, status Status) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s", ErrInvalidStatus, status)
	}
	return t.store.Update(ctx, id, func(e *Entry) error {
		if e.Status == status {
			return nil
		}
		if e.Status.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminalLock, id, e.Status)
		}
		e.Status = status
		e.UpdatedAt = t.now()
		return nil
	})
}

// RenewLock extends an Active or Renewed lease to newExpiresAt.
func (t *Tracker) RenewLock(ctx context.Context, id string, newExpiresAt time.Time) error {
	return t.store.Update(ctx, id, func(e *Entry) error {
		if !e.Status.Renewable() {
			return fmt.Errorf("%w: %s is %s", ErrTerminalLock, id, e.Status)
		}
		e.ExpiresAt = newExpiresAt
		e.RenewalCount++
		e.Status = StatusRenewed
		e.UpdatedAt = t.now()
		return nil
	})
}

// Get returns the tracked entry for id.
func (t *Tracker) Get(ctx context.Context, id string) (Entry, error) {
	return t.store.Get(ctx, id)
}

// GetLocksNeedingRenewal returns renewable, unexpired leases that expire
// within threshold.
func (t *Tracker) GetLocksNeedingRenewal(ctx context.Context, threshold time.Duration) ([]Entry, error) {
	now := t.now()
	return t.filter(ctx, func(e Entry) bool {
		return e.Status.Renewable() && e.ExpiresAt.After(now) && !e.ExpiresAt.After(now.Add(threshold))
	})
}

// GetExpiredLocks returns renewable leases whose expiry has passed.
func (t *Tracker) GetExpiredLocks(ctx context.Context) ([]Entry, error) {
	now := t.now()
	return t.filter(ctx, func(e Entry) bool {
		return e.Status.Renewable() && !e.ExpiresAt.After(now)
	})
}

// CleanupOldLocks deletes terminal entries last updated more than retention
// ago and returns how many were removed.
func (t *Tracker) CleanupOldLocks(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := t.now().Add(-retention)
	expired := func(e Entry) bool {
		return e.Status.Terminal() && e.UpdatedAt.Before(cutoff)
	}
	old, err := t.filter(ctx, expired)
	if err != nil {
		return 0, err
	}
	if len(old) == 0 {
		return 0, nil
	}

	ids := make([]string, len(old))
	for i, e := range old {
		ids[i] = e.TransportMessageID
	}
	// Entries re-activated since the listing fail expired and survive.
	n, err := t.store.DeleteIf(ctx, expired, ids...)
	if err != nil {
		return n, fmt.Errorf("lease: cleanup: %w", err)
	}
	if n > 0 {
		t.logger.Info("cleaned up old locks", "count", n)
	}
	return n, nil
}

func (t *Tracker) filter(ctx context.Context, keep func(Entry) bool) ([]Entry, error) {
	all, err := t.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease: list: %w", err)
	}
	out := make([]Entry, 0)
	for _, e := range all {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out, nil
}
