package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erfanmomeniii/relay/lease"
)

// MemoryTransport is an in-process LeasedTransport. Received deliveries are
// locked for the configured duration and handed out again once the lock
// lapses or is abandoned.
type MemoryTransport struct {
	mu       sync.Mutex
	lockFor  time.Duration
	now      func() time.Time
	queue    []*memoryDelivery
	dead     []DeadDelivery
	complete int
}

// DeadDelivery is a delivery the MemoryTransport moved to its dead-letter
// list.
type DeadDelivery struct {
	Delivery Delivery
	Reason   string
}

type memoryDelivery struct {
	id          string
	headers     []string
	record      map[string]string
	count       int
	token       string
	lockedUntil time.Time
}

// NewMemoryTransport creates a transport locking deliveries for lockFor.
// Panics if lockFor is <= 0.
func NewMemoryTransport(lockFor time.Duration) *MemoryTransport {
	if lockFor <= 0 {
		panic("relay: lock duration must be positive")
	}
	return &MemoryTransport{lockFor: lockFor, now: time.Now}
}

// Publish enqueues a record and returns its delivery id.
func (t *MemoryTransport) Publish(headers []string, record map[string]string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.NewString()
	t.queue = append(t.queue, &memoryDelivery{
		id:      id,
		headers: append([]string(nil), headers...),
		record:  copyRecord(record),
	})
	return id
}

// Receive locks and returns up to max unlocked deliveries.
func (t *MemoryTransport) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var out []Delivery
	for _, d := range t.queue {
		if len(out) >= max {
			break
		}
		if d.token != "" && now.Before(d.lockedUntil) {
			continue
		}
		d.count++
		d.token = uuid.NewString()
		d.lockedUntil = now.Add(t.lockFor)
		out = append(out, d.delivery())
	}
	return out, nil
}

// Complete removes the delivery. Returns ErrLockLost if the lock token is
// stale.
func (t *MemoryTransport) Complete(_ context.Context, d Delivery) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, err := t.owned(d)
	if err != nil {
		return err
	}
	t.queue = append(t.queue[:i], t.queue[i+1:]...)
	t.complete++
	return nil
}

// Abandon releases the lock so the delivery is handed out again.
func (t *MemoryTransport) Abandon(_ context.Context, d Delivery, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, err := t.owned(d)
	if err != nil {
		return err
	}
	t.queue[i].token = ""
	t.queue[i].lockedUntil = time.Time{}
	return nil
}

// DeadLetter moves the delivery to the dead-letter list.
func (t *MemoryTransport) DeadLetter(_ context.Context, d Delivery, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, err := t.owned(d)
	if err != nil {
		return err
	}
	t.dead = append(t.dead, DeadDelivery{Delivery: t.queue[i].delivery(), Reason: reason})
	t.queue = append(t.queue[:i], t.queue[i+1:]...)
	return nil
}

// Renew extends the lock of e.TransportMessageID.
func (t *MemoryTransport) Renew(_ context.Context, e lease.Entry) (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, err := t.owned(Delivery{ID: e.TransportMessageID, LockToken: e.LockToken})
	if err != nil {
		return time.Time{}, err
	}
	t.queue[i].lockedUntil = t.now().Add(t.lockFor)
	return t.queue[i].lockedUntil, nil
}

// Len returns the number of deliveries not yet completed or dead-lettered.
func (t *MemoryTransport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Completed returns how many deliveries were completed.
func (t *MemoryTransport) Completed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.complete
}

// Dead returns a copy of the dead-letter list.
func (t *MemoryTransport) Dead() []DeadDelivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]DeadDelivery(nil), t.dead...)
}

func (t *MemoryTransport) owned(d Delivery) (int, error) {
	now := t.now()
	for i, q := range t.queue {
		if q.id != d.ID {
			continue
		}
		if q.token == "" || q.token != d.LockToken || !now.Before(q.lockedUntil) {
			return 0, ErrLockLost
		}
		return i, nil
	}
	return 0, ErrLockLost
}

func (d *memoryDelivery) delivery() Delivery {
	return Delivery{
		ID:            d.id,
		LockToken:     d.token,
		LockedUntil:   d.lockedUntil,
		DeliveryCount: d.count,
		Headers:       append([]string(nil), d.headers...),
		Record:        copyRecord(d.record),
	}
}

func copyRecord(r map[string]string) map[string]string {
	out := make(map[string]string, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
