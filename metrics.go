package relay

import (
	"sync/atomic"
	"time"
)

// MetricsHandler receives counters from adapters and coordinators.
// Implement it to feed Prometheus, StatsD or OpenTelemetry.
type MetricsHandler interface {
	// RecordsRead is called after a connector read.
	RecordsRead(count int)

	// MessagesWritten is called after records were stored in the MessageBox.
	MessagesWritten(count int)

	// RecordsApplied is called after a destination write.
	RecordsApplied(written, skipped int)

	// SubscriptionsMarked is called after subscriptions were marked processed.
	SubscriptionsMarked(count int)

	// PollDuration is the time taken by a whole coordinator tick.
	PollDuration(d time.Duration)

	// ApplyDuration is the time taken by a destination write.
	ApplyDuration(d time.Duration)

	// ErrorOccurred is called with a short error kind such as "read",
	// "apply", "mark" or "commit".
	ErrorOccurred(kind string)
}

type noopMetrics struct{}

func (noopMetrics) RecordsRead(int)             {}
func (noopMetrics) MessagesWritten(int)         {}
func (noopMetrics) RecordsApplied(int, int)     {}
func (noopMetrics) SubscriptionsMarked(int)     {}
func (noopMetrics) PollDuration(time.Duration)  {}
func (noopMetrics) ApplyDuration(time.Duration) {}
func (noopMetrics) ErrorOccurred(string)        {}

// MetricsFunc implements MetricsHandler with optional callbacks.
type MetricsFunc struct {
	OnRecordsRead         func(count int)
	OnMessagesWritten     func(count int)
	OnRecordsApplied      func(written, skipped int)
	OnSubscriptionsMarked func(count int)
	OnPollDuration        func(d time.Duration)
	OnApplyDuration       func(d time.Duration)
	OnErrorOccurred       func(kind string)
}

func (m MetricsFunc) RecordsRead(count int) {
	if m.OnRecordsRead != nil {
		m.OnRecordsRead(count)
	}
}

func (m MetricsFunc) MessagesWritten(count int) {
	if m.OnMessagesWritten != nil {
		m.OnMessagesWritten(count)
	}
}

func (m MetricsFunc) RecordsApplied(written, skipped int) {
	if m.OnRecordsApplied != nil {
		m.OnRecordsApplied(written, skipped)
	}
}

func (m MetricsFunc) SubscriptionsMarked(count int) {
	if m.OnSubscriptionsMarked != nil {
		m.OnSubscriptionsMarked(count)
	}
}

func (m MetricsFunc) PollDuration(d time.Duration) {
	if m.OnPollDuration != nil {
		m.OnPollDuration(d)
	}
}

func (m MetricsFunc) ApplyDuration(d time.Duration) {
	if m.OnApplyDuration != nil {
		m.OnApplyDuration(d)
	}
}

func (m MetricsFunc) ErrorOccurred(kind string) {
	if m.OnErrorOccurred != nil {
		m.OnErrorOccurred(kind)
	}
}

// Counters is a MetricsHandler that keeps running totals in memory.
type Counters struct {
	read     atomic.Int64
	stored   atomic.Int64
	written  atomic.Int64
	skipped  atomic.Int64
	marked   atomic.Int64
	errors   atomic.Int64
	lastPoll atomic.Int64
}

// CounterSnapshot is a copy of Counters.
type CounterSnapshot struct {
	Read     int64         `json:"read"`
	Stored   int64         `json:"stored"`
	Written  int64         `json:"written"`
	Skipped  int64         `json:"skipped"`
	Marked   int64         `json:"marked"`
	Errors   int64         `json:"errors"`
	LastPoll time.Duration `json:"last_poll_ns"`
}

// RecordsRead implements MetricsHandler.
func (c *Counters) RecordsRead(n int) { c.read.Add(int64(n)) }

// MessagesWritten implements MetricsHandler.
func (c *Counters) MessagesWritten(n int) { c.stored.Add(int64(n)) }

// RecordsApplied implements MetricsHandler.
func (c *Counters) RecordsApplied(written, skipped int) {
	c.written.Add(int64(written))
	c.skipped.Add(int64(skipped))
}

// SubscriptionsMarked implements MetricsHandler.
func (c *Counters) SubscriptionsMarked(n int) { c.marked.Add(int64(n)) }

// PollDuration implements MetricsHandler.
func (c *Counters) PollDuration(d time.Duration) { c.lastPoll.Store(int64(d)) }

// ApplyDuration implements MetricsHandler.
func (c *Counters) ApplyDuration(time.Duration) {}

// ErrorOccurred implements MetricsHandler.
func (c *Counters) ErrorOccurred(string) { c.errors.Add(1) }

// Snapshot returns the current totals.
func (c *Counters) Snapshot() CounterSnapshot {
	return CounterSnapshot{
		Read:     c.read.Load(),
		Stored:   c.stored.Load(),
		Written:  c.written.Load(),
		Skipped:  c.skipped.Load(),
		Marked:   c.marked.Load(),
		Errors:   c.errors.Load(),
		LastPoll: time.Duration(c.lastPoll.Load()),
	}
}
