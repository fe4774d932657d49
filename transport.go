package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/erfanmomeniii/relay/lease"
	"github.com/erfanmomeniii/relay/messagebox"
)

// ErrLockLost is returned by a transport when a lock token no longer owns
// its delivery.
var ErrLockLost = errors.New("relay: lock lost")

// Delivery is one message handed out by a lease-based transport. The
// transport redelivers it unless it is settled before LockedUntil.
type Delivery struct {
	ID            string
	LockToken     string
	LockedUntil   time.Time
	DeliveryCount int
	Headers       []string
	Record        map[string]string
}

// LeasedTransport is a queueing substrate that locks deliveries for a
// limited time. Its Renew extends a lock and returns the new expiry.
type LeasedTransport interface {
	lease.Renewer

	Receive(ctx context.Context, max int) ([]Delivery, error)
	Complete(ctx context.Context, d Delivery) error
	Abandon(ctx context.Context, d Delivery, reason string) error
	DeadLetter(ctx context.Context, d Delivery, reason string) error
}

// TransportCoordinator moves deliveries of a LeasedTransport into the
// MessageBox on behalf of a Source instance. Every lock is recorded in the
// lease tracker so a RenewalLoop can keep it alive, and settled once the
// record is stored.
type TransportCoordinator struct {
	transport LeasedTransport
	inst      Instance
	box       *messagebox.Box
	tracker   *lease.Tracker
	config    *transportConfig

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewTransportCoordinator creates a coordinator. inst must be a Source.
func NewTransportCoordinator(
	transport LeasedTransport,
	inst Instance,
	box *messagebox.Box,
	tracker *lease.Tracker,
	opts ...TransportOption,
) (*TransportCoordinator, error) {
	if transport == nil {
		panic("relay: transport cannot be nil")
	}
	if box == nil {
		panic("relay: messagebox cannot be nil")
	}
	if tracker == nil {
		panic("relay: lease tracker cannot be nil")
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if inst.Role != RoleSource {
		return nil, &ConfigError{Adapter: inst.AdapterName, Err: fmt.Errorf("transport instance must be a %s", RoleSource)}
	}

	config := defaultTransportConfig()
	for _, opt := range opts {
		opt(config)
	}
	config.logger = config.logger.With("instance", inst.ID, "interface", inst.InterfaceName)

	return &TransportCoordinator{
		transport: transport,
		inst:      inst,
		box:       box,
		tracker:   tracker,
		config:    config,
	}, nil
}

// Start receives and processes deliveries until the context is cancelled
// or Stop is called.
func (c *TransportCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		close(c.doneCh)
		c.mu.Unlock()
	}()

	c.config.logger.Info("transport coordinator started", "workers", c.config.workers)

	for {
		n, err := c.receiveOnce(ctx)
		if ctx.Err() != nil {
			c.config.logger.Info("transport coordinator stopped")
			return nil
		}
		if err != nil || n == 0 {
			select {
			case <-ctx.Done():
				c.config.logger.Info("transport coordinator stopped")
				return nil
			case <-time.After(c.config.idleWait):
			}
		}
	}
}

// Stop cancels the loop and waits for in-flight deliveries to settle.
func (c *TransportCoordinator) Stop() {
	c.mu.RLock()
	if !c.running {
		c.mu.RUnlock()
		return
	}
	cancel, doneCh := c.cancel, c.doneCh
	c.mu.RUnlock()

	cancel()
	<-doneCh
}

// Running reports whether Start is active.
func (c *TransportCoordinator) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// RunOnce receives and processes one batch. Returns ErrCoordinatorRunning
// while Start is active.
func (c *TransportCoordinator) RunOnce(ctx context.Context) (int, error) {
	if c.Running() {
		return 0, ErrCoordinatorRunning
	}
	return c.receiveOnce(ctx)
}

func (c *TransportCoordinator) receiveOnce(ctx context.Context) (int, error) {
	start := time.Now()
	deliveries, err := c.transport.Receive(ctx, c.config.receiveBatch)
	if err != nil {
		if ctx.Err() == nil {
			c.config.logger.Error("failed to receive deliveries", "error", err)
			c.config.metricsHandler.ErrorOccurred("receive")
		}
		return 0, err
	}
	c.config.metricsHandler.RecordsRead(len(deliveries))
	if len(deliveries) == 0 {
		return 0, nil
	}

	err = ProcessBatchParallel(ctx, deliveries, func(ctx context.Context, d Delivery) error {
		c.process(ctx, d)
		return nil
	}, c.config.workers)
	c.config.metricsHandler.PollDuration(time.Since(start))
	return len(deliveries), err
}

func (c *TransportCoordinator) process(ctx context.Context, d Delivery) {
	log := c.config.logger.With("delivery_id", d.ID, "delivery_count", d.DeliveryCount)

	if err := c.tracker.RecordMessageLock(ctx, d.ID, d.LockToken, d.LockedUntil); err != nil {
		log.Error("failed to record lock, abandoning delivery", "error", err)
		c.abandon(ctx, d, "lock not tracked: "+err.Error(), log)
		return
	}

	if d.DeliveryCount > c.config.maxDeliveries {
		c.deadLetter(ctx, d, fmt.Sprintf("delivered %d times", d.DeliveryCount), log)
		return
	}
	if err := validateHeaders(d.Headers); err != nil {
		c.deadLetter(ctx, d, err.Error(), log)
		return
	}

	id, err := c.box.WriteSingleRecordMessage(ctx, c.producer(), d.Headers, d.Record)
	if err != nil {
		log.Error("failed to store delivery", "error", err)
		c.config.metricsHandler.ErrorOccurred("messagebox_write")
		c.abandon(ctx, d, err.Error(), log)
		return
	}
	c.config.metricsHandler.MessagesWritten(1)

	if err := c.transport.Complete(ctx, d); err != nil {
		// The lock stays tracked; if it lapses the transport redelivers and
		// the record is stored again.
		log.Error("failed to complete delivery", "message_id", id, "error", err)
		c.config.metricsHandler.ErrorOccurred("complete")
		return
	}
	if err := c.tracker.UpdateLockStatus(ctx, d.ID, lease.StatusCompleted); err != nil {
		log.Warn("failed to record completed lock", "error", err)
	}
	log.Debug("delivery stored", "message_id", id)
}

func (c *TransportCoordinator) abandon(ctx context.Context, d Delivery, reason string, log *slog.Logger) {
	if err := c.transport.Abandon(ctx, d, reason); err != nil {
		log.Error("failed to abandon delivery", "error", err)
		return
	}
	if err := c.tracker.UpdateLockStatus(ctx, d.ID, lease.StatusAbandoned); err != nil && !errors.Is(err, lease.ErrLockNotFound) {
		log.Warn("failed to record abandoned lock", "error", err)
	}
}

func (c *TransportCoordinator) deadLetter(ctx context.Context, d Delivery, reason string, log *slog.Logger) {
	log.Warn("dead-lettering delivery", "reason", reason)
	c.config.metricsHandler.ErrorOccurred("dead_letter")
	if err := c.transport.DeadLetter(ctx, d, reason); err != nil {
		log.Error("failed to dead-letter delivery", "error", err)
		return
	}
	if err := c.tracker.UpdateLockStatus(ctx, d.ID, lease.StatusDeadLettered); err != nil {
		log.Warn("failed to record dead-lettered lock", "error", err)
	}
}

func (c *TransportCoordinator) producer() messagebox.Producer {
	name := c.inst.Name
	if name == "" {
		name = c.inst.AdapterName
	}
	return messagebox.Producer{
		InterfaceName: c.inst.InterfaceName,
		AdapterName:   name,
		AdapterType:   c.inst.AdapterName,
		InstanceID:    c.inst.ID,
	}
}
