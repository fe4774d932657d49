package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// PollingCoordinator drives one adapter instance on its own ticker. A
// Source instance reads its locator on every tick; a Destination instance
// drains its pending messages into its locator.
//
// The instance's enabled flag is checked at the start of every tick, so a
// disabled instance stops before its next cycle and an enabled one starts
// on the next tick rather than mid-cycle.
type PollingCoordinator struct {
	adapter *Adapter
	config  *pollingConfig

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPollingCoordinator creates a coordinator for adapter.
func NewPollingCoordinator(adapter *Adapter, opts ...PollingOption) *PollingCoordinator {
	if adapter == nil {
		panic("relay: adapter cannot be nil")
	}
	config := defaultPollingConfig()
	for _, opt := range opts {
		opt(config)
	}
	config.logger = config.logger.With("instance", adapter.inst.ID, "role", string(adapter.inst.Role))

	return &PollingCoordinator{
		adapter: adapter,
		config:  config,
	}
}

// Adapter returns the driven adapter.
func (c *PollingCoordinator) Adapter() *Adapter { return c.adapter }

// Start runs the polling loop. It blocks until the context is cancelled or
// Stop is called. Returns nil on Stop.
func (c *PollingCoordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		close(c.doneCh)
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.config.interval)
	defer ticker.Stop()

	// Run immediately on start
	_ = c.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			c.config.logger.Info("polling coordinator stopped by context")
			return ctx.Err()
		case <-c.stopCh:
			c.config.logger.Info("polling coordinator stopped")
			return nil
		case <-ticker.C:
			_ = c.poll(ctx)
		}
	}
}

// Stop stops the coordinator and waits for the current tick to finish.
func (c *PollingCoordinator) Stop() {
	c.mu.RLock()
	if !c.running {
		c.mu.RUnlock()
		return
	}
	stopCh := c.stopCh
	doneCh := c.doneCh
	c.mu.RUnlock()

	close(stopCh)
	<-doneCh
}

// Running reports whether Start is active.
func (c *PollingCoordinator) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// RunOnce executes a single tick. Returns ErrCoordinatorRunning while
// Start is active.
func (c *PollingCoordinator) RunOnce(ctx context.Context) error {
	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()

	if running {
		return ErrCoordinatorRunning
	}
	return c.poll(ctx)
}

func (c *PollingCoordinator) poll(ctx context.Context) error {
	if !c.adapter.Enabled() {
		c.config.logger.Debug("instance disabled, skipping tick")
		return nil
	}

	start := time.Now()
	defer func() {
		c.config.metricsHandler.PollDuration(time.Since(start))
	}()

	locator := c.adapter.inst.Locator
	var err error
	switch c.adapter.inst.Role {
	case RoleSource:
		_, _, err = c.adapter.Read(ctx, locator)
	case RoleDestination:
		_, err = c.adapter.Drain(ctx, locator)
	}

	// A disable racing the tick is not a failure.
	if errors.Is(err, ErrAdapterDisabled) {
		return nil
	}
	if err != nil && ctx.Err() == nil {
		c.config.logger.Warn("tick finished with error", "error", err)
	}
	return err
}
