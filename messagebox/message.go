// Package messagebox stores debatched records ("messages") and tracks, per
// message, which destination adapters still owe a consumption.
//
// A Box is the service boundary: it debatches writes into one Message per
// record, creates one Subscription per registered destination, and decides
// when a message may be purged. Persistence is delegated to a Repository so
// the same rules apply to the in-memory and PostgreSQL back ends.
package messagebox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state shared by messages and subscriptions.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusProcessed Status = "Processed"
)

var (
	// ErrMessageNotFound is returned when a message id is unknown.
	ErrMessageNotFound = errors.New("messagebox: message not found")

	// ErrInterfaceRequired is returned when no interface name is given.
	ErrInterfaceRequired = errors.New("messagebox: interface name is required")

	// ErrHeadersRequired is returned when a write carries no headers.
	ErrHeadersRequired = errors.New("messagebox: headers are required")

	// ErrConsumerRequired is returned when no consumer identity is given.
	ErrConsumerRequired = errors.New("messagebox: consumer identity is required")
)

// Message holds exactly one record.
type Message struct {
	ID                  string
	Seq                 int64
	InterfaceName       string
	ProducerAdapterName string
	ProducerAdapterType string
	ProducerInstanceID  string
	Headers             []string
	Record              map[string]string
	Status              Status
	CreatedAt           time.Time
	ProcessedAt         *time.Time
	ProcessingDetails   string
}

// Subscription is one destination's obligation to consume one message.
type Subscription struct {
	MessageID         string
	InterfaceName     string
	ConsumerIdentity  string
	Status            Status
	CreatedAt         time.Time
	ProcessedAt       *time.Time
	ProcessingDetails string
}

// Producer identifies the adapter instance writing messages.
type Producer struct {
	InterfaceName string
	AdapterName   string
	AdapterType   string
	InstanceID    string
}

// Filter narrows ListMessages. Zero values match everything.
type Filter struct {
	InterfaceName string
	Status        Status
}

// Repository persists messages and subscriptions. Implementations must be
// safe for concurrent use by many processes' worth of callers.
type Repository interface {
	// InsertMessage stores m. Seq is assigned by the repository and must
	// increase with insertion order.
	InsertMessage(ctx context.Context, m *Message) error

	// GetMessage returns ErrMessageNotFound for unknown ids.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// ListMessages returns matching messages ordered by Seq ascending.
	ListMessages(ctx context.Context, f Filter) ([]Message, error)

	// ListPendingFor returns Pending messages of the interface that consumer
	// has not processed yet, oldest first unless newestFirst is set.
	// A limit <= 0 means no limit.
	ListPendingFor(ctx context.Context, interfaceName, consumer string, limit int, newestFirst bool) ([]Message, error)

	// SetMessageStatus updates status, processedAt and details.
	SetMessageStatus(ctx context.Context, id string, status Status, at time.Time, details string) error

	// DeleteMessage removes the message and its subscriptions.
	DeleteMessage(ctx context.Context, id string) error

	// CreateSubscription inserts s unless a row for (MessageID,
	// ConsumerIdentity) already exists.
	CreateSubscription(ctx context.Context, s Subscription) error

	// MarkSubscription sets the (messageID, consumer) row to Processed,
	// creating it when absent. Rows already Processed are left untouched.
	MarkSubscription(ctx context.Context, s Subscription) error

	// ListSubscriptions returns every subscription row for a message.
	ListSubscriptions(ctx context.Context, messageID string) ([]Subscription, error)
}

// Registry reports the destination consumers currently registered for an
// interface.
type Registry interface {
	Destinations(ctx context.Context, interfaceName string) ([]string, error)
}

// RegistryFunc adapts a function to Registry.
type RegistryFunc func(ctx context.Context, interfaceName string) ([]string, error)

// Destinations implements Registry.
func (f RegistryFunc) Destinations(ctx context.Context, interfaceName string) ([]string, error) {
	return f(ctx, interfaceName)
}

// StaticRegistry maps interface names to fixed consumer identities.
type StaticRegistry map[string][]string

// Destinations implements Registry.
func (r StaticRegistry) Destinations(_ context.Context, interfaceName string) ([]string, error) {
	return r[interfaceName], nil
}

// Archiver receives each message right before it is purged.
type Archiver interface {
	Archive(ctx context.Context, m Message) error
}

// PartialWriteError reports that a multi-record write stopped early. The
// messages listed in IDs were durably written before Err occurred.
type PartialWriteError struct {
	IDs []string
	Err error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("messagebox: wrote %d messages before failure: %v", len(e.IDs), e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}

// CloneRecord returns a copy of r so callers cannot alias stored state.
func CloneRecord(r map[string]string) map[string]string {
	if r == nil {
		return nil
	}
	out := make(map[string]string, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	c := m
	c.Headers = append([]string(nil), m.Headers...)
	c.Record = CloneRecord(m.Record)
	if m.ProcessedAt != nil {
		t := *m.ProcessedAt
		c.ProcessedAt = &t
	}
	return c
}
