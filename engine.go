package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/erfanmomeniii/relay/lease"
	"github.com/erfanmomeniii/relay/messagebox"
)

// Factory builds the connector for a provisioned instance.
type Factory func(inst Instance) (Connector, error)

// Factories maps adapter names to their factories.
type Factories map[string]Factory

// Build returns the connector for inst. An unregistered adapter name is a
// *ConfigError wrapping ErrUnknownAdapter.
func (f Factories) Build(inst Instance) (Connector, error) {
	factory, ok := f[inst.AdapterName]
	if !ok {
		return nil, &ConfigError{Adapter: inst.AdapterName, Err: ErrUnknownAdapter}
	}
	conn, err := factory(inst)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		return nil, &ConfigError{Adapter: inst.AdapterName, Err: err}
	}
	return conn, nil
}

// InstanceRegistry holds the provisioned adapter instances. It implements
// messagebox.Registry: every Destination instance of an interface is a
// consumer, enabled or not, so a disabled destination still receives its
// subscriptions and catches up once re-enabled.
type InstanceRegistry struct {
	mu        sync.RWMutex
	instances map[string]Instance
}

// NewInstanceRegistry creates a registry holding instances.
func NewInstanceRegistry(instances ...Instance) (*InstanceRegistry, error) {
	r := &InstanceRegistry{instances: make(map[string]Instance)}
	for _, inst := range instances {
		if err := r.Register(inst); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces an instance.
func (r *InstanceRegistry) Register(inst Instance) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.ID] = inst
	return nil
}

// Remove drops an instance. Its pending subscriptions stay in the ledger.
func (r *InstanceRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, id)
}

// Get returns the instance with id.
func (r *InstanceRegistry) Get(id string) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// SetEnabled toggles an instance. Coordinators observe the change on their
// next tick.
func (r *InstanceRegistry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return fmt.Errorf("relay: instance %q not registered", id)
	}
	inst.Enabled = enabled
	r.instances[id] = inst
	return nil
}

// EnabledFunc returns a live lookup of the instance's enabled flag, for
// WithEnabledFunc. A removed instance reads as disabled.
func (r *InstanceRegistry) EnabledFunc(id string) func() bool {
	return func() bool {
		inst, ok := r.Get(id)
		return ok && inst.Enabled
	}
}

// Instances returns all instances ordered by id.
func (r *InstanceRegistry) Instances() []Instance {
	r.mu.RLock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Destinations implements messagebox.Registry.
func (r *InstanceRegistry) Destinations(_ context.Context, interfaceName string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for _, inst := range r.instances {
		if inst.Role == RoleDestination && inst.InterfaceName == interfaceName {
			ids = append(ids, inst.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

var _ messagebox.Registry = (*InstanceRegistry)(nil)

// Runner is a long-running component of an Engine.
type Runner interface {
	Start(ctx context.Context) error
	Stop()
}

// Engine runs the coordinators of every instance together with the
// MessageBox sweeper and the lease renewal loop.
type Engine struct {
	box      *messagebox.Box
	registry *InstanceRegistry
	logger   *slog.Logger

	mu      sync.Mutex
	runners []namedRunner
	running bool
}

type namedRunner struct {
	name   string
	runner Runner
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine's logger.
// If nil is passed, uses slog.Default().
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSweeper runs s alongside the coordinators.
func WithSweeper(s *messagebox.Sweeper) EngineOption {
	return func(e *Engine) {
		if s != nil {
			e.runners = append(e.runners, namedRunner{name: "sweeper", runner: s})
		}
	}
}

// WithRenewalLoop runs l alongside the coordinators.
func WithRenewalLoop(l *lease.RenewalLoop) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.runners = append(e.runners, namedRunner{name: "lease-renewal", runner: l})
		}
	}
}

// NewEngine creates an engine over box and registry.
func NewEngine(box *messagebox.Box, registry *InstanceRegistry, opts ...EngineOption) *Engine {
	if box == nil {
		panic("relay: messagebox cannot be nil")
	}
	if registry == nil {
		panic("relay: registry cannot be nil")
	}
	e := &Engine{
		box:      box,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Box returns the engine's MessageBox.
func (e *Engine) Box() *messagebox.Box { return e.box }

// Registry returns the engine's instance registry.
func (e *Engine) Registry() *InstanceRegistry { return e.registry }

// Provision builds the connector for inst, registers the instance, and
// returns a polling coordinator bound to the registry's enabled flag.
func (e *Engine) Provision(factories Factories, inst Instance, pollOpts []PollingOption, opts ...AdapterOption) (*PollingCoordinator, error) {
	conn, err := factories.Build(inst)
	if err != nil {
		return nil, err
	}
	if err := e.registry.Register(inst); err != nil {
		return nil, err
	}

	opts = append([]AdapterOption{
		WithLogger(e.logger),
		WithEnabledFunc(e.registry.EnabledFunc(inst.ID)),
	}, opts...)
	adapter, err := NewAdapter(conn, inst, e.box, opts...)
	if err != nil {
		e.registry.Remove(inst.ID)
		return nil, err
	}

	pollOpts = append([]PollingOption{WithPollLogger(e.logger)}, pollOpts...)
	c := NewPollingCoordinator(adapter, pollOpts...)
	if err := e.Add(c); err != nil {
		e.registry.Remove(inst.ID)
		return nil, err
	}
	return c, nil
}

// Add registers a polling coordinator. Returns ErrCoordinatorRunning once
// Run has started.
func (e *Engine) Add(c *PollingCoordinator) error {
	return e.add("poll:"+c.adapter.inst.ID, c)
}

// AddTransport registers a transport coordinator. Returns
// ErrCoordinatorRunning once Run has started.
func (e *Engine) AddTransport(c *TransportCoordinator) error {
	return e.add("transport:"+c.inst.ID, c)
}

func (e *Engine) add(name string, r Runner) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrCoordinatorRunning
	}
	e.runners = append(e.runners, namedRunner{name: name, runner: r})
	return nil
}

// Run starts every component and blocks until ctx is done or one of them
// fails. Cancellation is not an error.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrCoordinatorRunning
	}
	e.running = true
	runners := append([]namedRunner(nil), e.runners...)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	e.logger.Info("engine started", "components", len(runners))

	g, gctx := errgroup.WithContext(ctx)
	for _, nr := range runners {
		g.Go(func() error {
			err := nr.runner.Start(gctx)
			if err != nil && gctx.Err() == nil {
				e.logger.Error("component stopped with error", "component", nr.name, "error", err)
				return fmt.Errorf("%s: %w", nr.name, err)
			}
			return nil
		})
	}

	err := g.Wait()
	e.logger.Info("engine stopped")
	return err
}
