package messagebox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Option configures a Box.
type Option func(*Box)

// WithLogger sets a custom logger.
// Default: slog.Default(). If nil is passed, uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Box) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithArchiver sets a hook that receives messages before they are purged.
// A failing archiver keeps the message in place.
func WithArchiver(a Archiver) Option {
	return func(b *Box) {
		b.archiver = a
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Box) {
		if now != nil {
			b.now = now
		}
	}
}

// WithIDGenerator overrides the message id generator.
func WithIDGenerator(fn func() string) Option {
	return func(b *Box) {
		if fn != nil {
			b.newID = fn
		}
	}
}

// Box is the MessageBox service.
type Box struct {
	repo     Repository
	registry Registry
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New creates a Box. Panics if repo or registry is nil.
func New(repo Repository, registry Registry, opts ...Option) *Box {
	if repo == nil {
		panic("messagebox: repository cannot be nil")
	}
	if registry == nil {
		panic("messagebox: registry cannot be nil")
	}
	b := &Box{
		repo:     repo,
		registry: registry,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WriteMessages persists one Pending message per record, in input order, and
// creates a subscription for each registered destination. The returned ids
// follow the order of records. When record k fails, the error is a
// *PartialWriteError carrying the ids of records 0..k-1.
func (b *Box) WriteMessages(ctx context.Context, p Producer, headers []string, records []map[string]string) ([]string, error) {
	if strings.TrimSpace(p.InterfaceName) == "" {
		return nil, ErrInterfaceRequired
	}
	if len(headers) == 0 {
		return nil, ErrHeadersRequired
	}
	if len(records) == 0 {
		return []string{}, nil
	}

	destinations, err := b.registry.Destinations(ctx, p.InterfaceName)
	if err != nil {
		b.logger.Warn("destination lookup failed, subscriptions will be created lazily",
			"interface", p.InterfaceName,
			"error", err,
		)
		destinations = nil
	}

	ids := make([]string, 0, len(records))
	for i, record := range records {
		if err := ctx.Err(); err != nil {
			return ids, &PartialWriteError{IDs: ids, Err: err}
		}

		m := &Message{
			ID:                  b.newID(),
			InterfaceName:       p.InterfaceName,
			ProducerAdapterName: p.AdapterName,
			ProducerAdapterType: p.AdapterType,
			ProducerInstanceID:  p.InstanceID,
			Headers:             append([]string(nil), headers...),
			Record:              CloneRecord(record),
			Status:              StatusPending,
			CreatedAt:           b.now(),
		}
		if err := b.repo.InsertMessage(ctx, m); err != nil {
			b.logger.Error("failed to write message",
				"interface", p.InterfaceName,
				"index", i,
				"written", len(ids),
				"error", err,
			)
			return ids, &PartialWriteError{IDs: ids, Err: err}
		}
		ids = append(ids, m.ID)

		for _, consumer := range destinations {
			sub := Subscription{
				MessageID:        m.ID,
				InterfaceName:    p.InterfaceName,
				ConsumerIdentity: consumer,
				Status:           StatusPending,
				CreatedAt:        m.CreatedAt,
			}
			if err := b.repo.CreateSubscription(ctx, sub); err != nil {
				// The ledger still holds the message back from purge; the
				// destination's first read creates the row instead.
				b.logger.Warn("failed to create subscription",
					"message_id", m.ID,
					"consumer", consumer,
					"error", err,
				)
			}
		}
	}

	b.logger.Debug("wrote messages",
		"interface", p.InterfaceName,
		"count", len(ids),
		"destinations", len(destinations),
	)
	return ids, nil
}

// WriteSingleRecordMessage writes exactly one message and returns its id.
func (b *Box) WriteSingleRecordMessage(ctx context.Context, p Producer, headers []string, record map[string]string) (string, error) {
	ids, err := b.WriteMessages(ctx, p, headers, []map[string]string{record})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// ReadMessages returns the interface's messages oldest first, optionally
// restricted to one status.
func (b *Box) ReadMessages(ctx context.Context, interfaceName string, status ...Status) ([]Message, error) {
	if strings.TrimSpace(interfaceName) == "" {
		return nil, ErrInterfaceRequired
	}
	f := Filter{InterfaceName: interfaceName}
	if len(status) > 0 {
		f.Status = status[0]
	}
	return b.repo.ListMessages(ctx, f)
}

// ReadMessage returns the message or ErrMessageNotFound.
func (b *Box) ReadMessage(ctx context.Context, id string) (*Message, error) {
	return b.repo.GetMessage(ctx, id)
}

// ExtractData returns the headers and record carried by m.
func ExtractData(m Message) ([]string, map[string]string) {
	return append([]string(nil), m.Headers...), CloneRecord(m.Record)
}

// PendingFor returns up to limit messages of the interface that consumer has
// not processed yet. Order is oldest first unless newestFirst is set.
func (b *Box) PendingFor(ctx context.Context, interfaceName, consumer string, limit int, newestFirst bool) ([]Message, error) {
	if strings.TrimSpace(interfaceName) == "" {
		return nil, ErrInterfaceRequired
	}
	if strings.TrimSpace(consumer) == "" {
		return nil, ErrConsumerRequired
	}
	return b.repo.ListPendingFor(ctx, interfaceName, consumer, limit, newestFirst)
}

// CreateSubscription registers consumer's obligation for the message.
// Repeated calls for the same pair are no-ops.
func (b *Box) CreateSubscription(ctx context.Context, messageID, interfaceName, consumer string) error {
	if strings.TrimSpace(consumer) == "" {
		return ErrConsumerRequired
	}
	return b.repo.CreateSubscription(ctx, Subscription{
		MessageID:        messageID,
		InterfaceName:    interfaceName,
		ConsumerIdentity: consumer,
		Status:           StatusPending,
		CreatedAt:        b.now(),
	})
}

// MarkSubscriptionAsProcessed records that consumer finished the message.
// Marking twice leaves the first timestamp and details in place. Once every
// registered destination has processed the message, its status flips to
// Processed.
func (b *Box) MarkSubscriptionAsProcessed(ctx context.Context, messageID, consumer, details string) error {
	if strings.TrimSpace(consumer) == "" {
		return ErrConsumerRequired
	}

	m, err := b.repo.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}

	now := b.now()
	if err := b.repo.MarkSubscription(ctx, Subscription{
		MessageID:         messageID,
		InterfaceName:     m.InterfaceName,
		ConsumerIdentity:  consumer,
		Status:            StatusProcessed,
		CreatedAt:         now,
		ProcessedAt:       &now,
		ProcessingDetails: details,
	}); err != nil {
		return fmt.Errorf("messagebox: mark subscription %s/%s: %w", messageID, consumer, err)
	}

	if m.Status == StatusProcessed {
		return nil
	}

	done, err := b.allProcessed(ctx, m)
	if err != nil {
		return err
	}
	if done {
		if err := b.repo.SetMessageStatus(ctx, messageID, StatusProcessed, now, "all subscriptions processed"); err != nil {
			// The sweeper re-evaluates the ledger, so the purge is only delayed.
			b.logger.Warn("failed to flip message status",
				"message_id", messageID,
				"error", err,
			)
		}
	}
	return nil
}

// CompleteMessage marks a message Processed directly. It serves consumers
// that are not registered destinations of the interface.
func (b *Box) CompleteMessage(ctx context.Context, messageID, details string) error {
	return b.repo.SetMessageStatus(ctx, messageID, StatusProcessed, b.now(), details)
}

// AreAllSubscriptionsProcessed reports whether every destination currently
// registered for the message's interface has processed it. With no
// registered destinations there is nothing to wait for.
func (b *Box) AreAllSubscriptionsProcessed(ctx context.Context, messageID string) (bool, error) {
	m, err := b.repo.GetMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	return b.allProcessed(ctx, m)
}

// Subscriptions returns the ledger rows of a message.
func (b *Box) Subscriptions(ctx context.Context, messageID string) ([]Subscription, error) {
	return b.repo.ListSubscriptions(ctx, messageID)
}

func (b *Box) allProcessed(ctx context.Context, m *Message) (bool, error) {
	destinations, err := b.registry.Destinations(ctx, m.InterfaceName)
	if err != nil {
		return false, fmt.Errorf("messagebox: destinations of %s: %w", m.InterfaceName, err)
	}
	if len(destinations) == 0 {
		return true, nil
	}

	subs, err := b.repo.ListSubscriptions(ctx, m.ID)
	if err != nil {
		return false, err
	}
	processed := make(map[string]bool, len(subs))
	for _, s := range subs {
		if s.Status == StatusProcessed {
			processed[s.ConsumerIdentity] = true
		}
	}
	for _, d := range destinations {
		if !processed[d] {
			return false, nil
		}
	}
	return true, nil
}

// purgeable decides whether m may be removed. Without registered
// destinations a message is only eligible after a consumer completed it.
func (b *Box) purgeable(ctx context.Context, m *Message, destinations []string) (bool, error) {
	if len(destinations) == 0 {
		return m.Status == StatusProcessed, nil
	}
	return b.allProcessed(ctx, m)
}

// Purge archives and deletes every message whose subscriptions are all
// processed. Failures on single messages are logged and skipped; the joined
// errors are returned with the number of purged messages.
func (b *Box) Purge(ctx context.Context) (int, error) {
	msgs, err := b.repo.ListMessages(ctx, Filter{})
	if err != nil {
		return 0, fmt.Errorf("messagebox: list messages: %w", err)
	}

	destinations := make(map[string][]string)
	var errs []error
	purged := 0

	for i := range msgs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		m := &msgs[i]

		dests, ok := destinations[m.InterfaceName]
		if !ok {
			dests, err = b.registry.Destinations(ctx, m.InterfaceName)
			if err != nil {
				b.logger.Error("destination lookup failed during purge", "interface", m.InterfaceName, "error", err)
				errs = append(errs, err)
				continue
			}
			destinations[m.InterfaceName] = dests
		}

		eligible, err := b.purgeable(ctx, m, dests)
		if err != nil {
			b.logger.Error("purge check failed", "message_id", m.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if !eligible {
			continue
		}

		if b.archiver != nil {
			if err := b.archiver.Archive(ctx, m.Clone()); err != nil {
				b.logger.Error("failed to archive message", "message_id", m.ID, "error", err)
				errs = append(errs, err)
				continue
			}
		}
		if err := b.repo.DeleteMessage(ctx, m.ID); err != nil {
			b.logger.Error("failed to delete message", "message_id", m.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		purged++
	}

	if purged > 0 {
		b.logger.Info("purged messages", "count", purged)
	}
	return purged, errors.Join(errs...)
}
