package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDeadLetterNotFound is returned when an entry is not in the queue.
var ErrDeadLetterNotFound = errors.New("relay: dead letter not found")

// DeadLetter is a record a destination skipped, kept for inspection and
// manual replay. Its subscription has already been marked processed.
type DeadLetter struct {
	MessageID     string            `json:"message_id"`
	InterfaceName string            `json:"interface_name"`
	Consumer      string            `json:"consumer"`
	Locator       string            `json:"locator"`
	Headers       []string          `json:"headers"`
	Record        map[string]string `json:"record"`
	Reason        string            `json:"reason"`
	Attempts      int               `json:"attempts"`
	FirstFailure  time.Time         `json:"first_failure"`
	LastFailure   time.Time         `json:"last_failure"`
}

// DeadLetterQueue stores skipped records.
type DeadLetterQueue interface {
	// Send adds an entry. Sending the same message id for the same consumer
	// again updates the existing entry.
	Send(ctx context.Context, entry DeadLetter) error

	// Receive returns up to limit entries, oldest first, without removing
	// them. limit <= 0 returns all.
	Receive(ctx context.Context, limit int) ([]DeadLetter, error)

	// Remove deletes the entry for a message and consumer.
	Remove(ctx context.Context, messageID, consumer string) error

	// Count returns the number of entries.
	Count(ctx context.Context) (int, error)
}

// InMemoryDLQ is a bounded in-process DeadLetterQueue. Entries are lost on
// restart.
type InMemoryDLQ struct {
	mu      sync.RWMutex
	entries []DeadLetter
	maxSize int
}

var _ DeadLetterQueue = (*InMemoryDLQ)(nil)

// NewInMemoryDLQ creates a queue holding at most maxSize entries, dropping
// the oldest when full. maxSize 0 means unbounded.
func NewInMemoryDLQ(maxSize int) *InMemoryDLQ {
	return &InMemoryDLQ{maxSize: maxSize}
}

// Send implements DeadLetterQueue.
func (q *InMemoryDLQ) Send(_ context.Context, entry DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := q.index(entry.MessageID, entry.Consumer); i >= 0 {
		prev := q.entries[i]
		entry.Attempts += prev.Attempts
		entry.FirstFailure = prev.FirstFailure
		q.entries[i] = entry
		return nil
	}

	if q.maxSize > 0 && len(q.entries) >= q.maxSize {
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
	return nil
}

// Receive implements DeadLetterQueue.
func (q *InMemoryDLQ) Receive(_ context.Context, limit int) ([]DeadLetter, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if limit <= 0 || limit > len(q.entries) {
		limit = len(q.entries)
	}
	out := make([]DeadLetter, limit)
	copy(out, q.entries[:limit])
	return out, nil
}

// Remove implements DeadLetterQueue.
func (q *InMemoryDLQ) Remove(_ context.Context, messageID, consumer string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(messageID, consumer)
	if i < 0 {
		return ErrDeadLetterNotFound
	}
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
	return nil
}

// Count implements DeadLetterQueue.
func (q *InMemoryDLQ) Count(_ context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries), nil
}

func (q *InMemoryDLQ) index(messageID, consumer string) int {
	for i, e := range q.entries {
		if e.MessageID == messageID && e.Consumer == consumer {
			return i
		}
	}
	return -1
}
