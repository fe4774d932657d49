package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Deduplicator remembers keys for a while so a source that re-reads the
// same rows does not store them twice.
//
// Expired entries are dropped lazily on lookup and insert; there is no
// background goroutine to stop.
type Deduplicator[K comparable] struct {
	mu      sync.Mutex
	seen    map[K]time.Time
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// NewDeduplicator creates a deduplicator. ttl 0 keeps keys forever;
// maxSize 0 is unbounded, otherwise the oldest key is evicted when full.
func NewDeduplicator[K comparable](ttl time.Duration, maxSize int) *Deduplicator[K] {
	return &Deduplicator[K]{
		seen:    make(map[K]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// IsDuplicate reports whether key was seen and has not expired.
func (d *Deduplicator[K]) IsDuplicate(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.seen[key]
	if !ok {
		return false
	}
	if d.expired(at) {
		delete(d.seen, key)
		return false
	}
	return true
}

// MarkSeen records key.
func (d *Deduplicator[K]) MarkSeen(key K) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; !ok && d.maxSize > 0 && len(d.seen) >= d.maxSize {
		d.sweep()
		if len(d.seen) >= d.maxSize {
			d.evictOldest()
		}
	}
	d.seen[key] = d.now()
}

// Size returns the number of tracked keys, expired ones included.
func (d *Deduplicator[K]) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduplicator[K]) expired(at time.Time) bool {
	return d.ttl > 0 && d.now().Sub(at) > d.ttl
}

func (d *Deduplicator[K]) sweep() {
	for k, at := range d.seen {
		if d.expired(at) {
			delete(d.seen, k)
		}
	}
}

func (d *Deduplicator[K]) evictOldest() {
	var (
		oldestKey  K
		oldestTime time.Time
		found      bool
	)
	for k, t := range d.seen {
		if !found || t.Before(oldestTime) {
			oldestKey, oldestTime, found = k, t, true
		}
	}
	if found {
		delete(d.seen, oldestKey)
	}
}

// RecordKeyFunc derives a deduplication key from a row.
type RecordKeyFunc func(headers []string, record map[string]string) string

// RecordHash is the default RecordKeyFunc: a SHA-256 over the values in
// header order.
func RecordHash(headers []string, record map[string]string) string {
	h := sha256.New()
	for _, col := range headers {
		h.Write([]byte(col))
		h.Write([]byte{0x1f})
		h.Write([]byte(record[col]))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// KeyColumns returns a RecordKeyFunc over the given business key columns.
func KeyColumns(cols ...string) RecordKeyFunc {
	return func(_ []string, record map[string]string) string {
		return RecordHash(cols, record)
	}
}
