// Package lease tracks lock leases held on in-flight transport messages.
//
// A lease-based transport hands out a delivery together with a lock token
// that expires unless renewed. The Tracker records those locks, and a
// RenewalLoop extends the ones about to lapse while the message is still
// being worked on. Terminal entries (completed, abandoned, dead-lettered)
// are never renewed and are removed after a retention window.
package lease

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a lease entry.
type Status string

const (
	StatusActive       Status = "Active"
	StatusRenewed      Status = "Renewed"
	StatusCompleted    Status = "Completed"
	StatusAbandoned    Status = "Abandoned"
	StatusDeadLettered Status = "DeadLettered"
)

// Terminal reports whether s ends the lease.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAbandoned, StatusDeadLettered:
		return true
	}
	return false
}

// Renewable reports whether a lease in state s may be extended.
func (s Status) Renewable() bool {
	return s == StatusActive || s == StatusRenewed
}

var (
	// ErrLockNotFound is returned for an unknown transport message id.
	ErrLockNotFound = errors.New("lease: lock not found")

	// ErrTerminalLock is returned when renewing a lock that has already
	// reached a terminal state.
	ErrTerminalLock = errors.New("lease: lock is terminal")

	// ErrInvalidStatus is returned by UpdateLockStatus for a non-terminal
	// target state.
	ErrInvalidStatus = errors.New("lease: status must be terminal")
)

// Entry is one tracked lock.
type Entry struct {
	TransportMessageID string    `json:"transport_message_id"`
	LockToken          string    `json:"lock_token"`
	ExpiresAt          time.Time `json:"expires_at"`
	RenewalCount       int       `json:"renewal_count"`
	Status             Status    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Store persists lease entries.
//
// Update loads the entry, applies fn and saves the result atomically with
// respect to other Update calls on the same id. If fn returns an error the
// entry is left untouched and the error is returned.
//
// DeleteIf removes each listed entry whose current state satisfies cond,
// checked atomically with the removal, and returns how many were removed.
// Unknown ids are ignored.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, error)
	Update(ctx context.Context, id string, fn func(*Entry) error) error
	List(ctx context.Context) ([]Entry, error)
	DeleteIf(ctx context.Context, cond func(Entry) bool, ids ...string) (int, error)
}
