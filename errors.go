package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrCoordinatorRunning is returned when an operation cannot be performed
	// because the coordinator is already running (e.g., calling RunOnce while Start is active).
	ErrCoordinatorRunning = errors.New("relay: coordinator is running")

	// ErrEmptyLocator is returned when a source or destination locator is
	// empty or whitespace.
	ErrEmptyLocator = errors.New("relay: locator is required")

	// ErrEmptyHeaders is returned when a write is attempted without headers.
	ErrEmptyHeaders = errors.New("relay: headers are required")

	// ErrReadNotSupported is returned by connectors that cannot act as a source.
	ErrReadNotSupported = errors.New("relay: adapter does not support read")

	// ErrWriteNotSupported is returned by connectors that cannot act as a destination.
	ErrWriteNotSupported = errors.New("relay: adapter does not support write")

	// ErrAdapterDisabled is returned when a disabled adapter instance is asked to act.
	ErrAdapterDisabled = errors.New("relay: adapter instance is disabled")

	// ErrUnknownAdapter is returned by a Factory lookup for an unregistered adapter name.
	ErrUnknownAdapter = errors.New("relay: unknown adapter")
)

// ValidationError reports a rejected call. It is never retried.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("relay: invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// ConfigError reports missing or inconsistent protocol configuration.
// It surfaces on first use and is never retried.
type ConfigError struct {
	Adapter string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("relay: %s configuration: %v", e.Adapter, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// TransientError marks a fault the retry policy may retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("relay: transient fault: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// RowError describes a single row rejected inside a larger batch.
type RowError struct {
	Index int
	Err   error
}

// RowErrors is returned by connectors that rejected single rows of a
// batch. Without Aborted the listed rows were skipped and every other row
// was written. With Aborted the connector stopped at the first listed row:
// rows before it were written and rows after it were not attempted.
type RowErrors struct {
	Rows    []RowError
	Aborted bool
}

func (e *RowErrors) Error() string {
	if e.Aborted && len(e.Rows) > 0 {
		return fmt.Sprintf("relay: batch aborted at row %d: %v", e.Rows[0].Index, e.Rows[0].Err)
	}
	if len(e.Rows) == 1 {
		return fmt.Sprintf("relay: row %d skipped: %v", e.Rows[0].Index, e.Rows[0].Err)
	}
	return fmt.Sprintf("relay: %d rows skipped, first at %d: %v", len(e.Rows), e.Rows[0].Index, e.Rows[0].Err)
}

// Unwrap exposes the row causes to errors.Is and errors.As.
func (e *RowErrors) Unwrap() []error {
	errs := make([]error, len(e.Rows))
	for i, r := range e.Rows {
		errs[i] = r.Err
	}
	return errs
}

// FirstIndex returns the lowest failing index, or -1 if there is none.
func (e *RowErrors) FirstIndex() int {
	first := -1
	for _, r := range e.Rows {
		if first == -1 || r.Index < first {
			first = r.Index
		}
	}
	return first
}

// Failed reports whether the row at index was rejected, and why.
func (e *RowErrors) Failed(index int) (error, bool) {
	for _, r := range e.Rows {
		if r.Index == index {
			return r.Err, true
		}
	}
	return nil, false
}

// FetchError wraps errors that occur while an adapter reads its native system.
type FetchError struct {
	Adapter string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("relay: %s failed to read records: %v", e.Adapter, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ApplyError wraps errors that occur while an adapter writes its native system.
type ApplyError struct {
	Adapter string
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("relay: %s failed to write records: %v", e.Adapter, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// MarkError wraps errors that occur when marking subscriptions as processed.
type MarkError struct {
	Count int
	Err   error
}

func (e *MarkError) Error() string {
	return fmt.Sprintf("relay: failed to mark %d subscriptions as processed: %v", e.Count, e.Err)
}

func (e *MarkError) Unwrap() error {
	return e.Err
}

// transientStatus is implemented by remote errors carrying an HTTP status.
type transientStatus interface {
	Temporary() bool
}

// IsTransient reports whether err is worth retrying. Validation and
// configuration errors, and cancellation of the caller's context, never are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var verr *ValidationError
	var cerr *ConfigError
	if errors.As(err, &verr) || errors.As(err, &cerr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var terr *TransientError
	if errors.As(err, &terr) {
		return true
	}

	// Checked before transientStatus: url.Error implements both and its
	// Temporary is false for refused connections.
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}

	var ts transientStatus
	if errors.As(err, &ts) {
		return ts.Temporary()
	}

	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}
