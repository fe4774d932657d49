package relay

import (
	"log/slog"
	"time"

	"github.com/erfanmomeniii/relay/messagebox"
)

// AdapterOption configures an Adapter.
type AdapterOption func(*adapterConfig)

type adapterConfig struct {
	logger       *slog.Logger
	errorHandler func(error)
	metrics      MetricsHandler
	health       *HealthCheck
	dlq          DeadLetterQueue
	limiter      *RateLimiter
	enabled      func() bool
	writeTimeout time.Duration
	validators   []RecordValidator
	dedup        *Deduplicator[string]
	dedupKey     RecordKeyFunc
	middlewares  []Middleware[messagebox.Message]
}

func defaultAdapterConfig(inst Instance) *adapterConfig {
	enabled := inst.Enabled
	return &adapterConfig{
		logger:       slog.Default(),
		errorHandler: func(error) {},
		metrics:      noopMetrics{},
		enabled:      func() bool { return enabled },
		dedupKey:     RecordHash,
	}
}

// WithLogger sets a custom logger.
// Default: slog.Default(). If nil is passed, uses slog.Default().
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(c *adapterConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithErrorHandler sets a callback receiving every error the adapter
// logs. If nil is passed, uses a no-op handler.
func WithErrorHandler(handler func(error)) AdapterOption {
	return func(c *adapterConfig) {
		if handler != nil {
			c.errorHandler = handler
		}
	}
}

// WithMetrics sets a metrics handler.
// If nil is passed, uses a no-op handler.
func WithMetrics(handler MetricsHandler) AdapterOption {
	return func(c *adapterConfig) {
		if handler != nil {
			c.metrics = handler
		}
	}
}

// WithHealthCheck tracks the adapter's outcomes on h.
func WithHealthCheck(h *HealthCheck) AdapterOption {
	return func(c *adapterConfig) {
		c.health = h
	}
}

// WithDeadLetterQueue keeps a copy of every skipped or rejected row.
func WithDeadLetterQueue(q DeadLetterQueue) AdapterOption {
	return func(c *adapterConfig) {
		c.dlq = q
	}
}

// WithRateLimiter makes every connector call take a token from l first.
func WithRateLimiter(l *RateLimiter) AdapterOption {
	return func(c *adapterConfig) {
		c.limiter = l
	}
}

// WithEnabledFunc replaces the Instance.Enabled snapshot with a live
// lookup, so toggling an instance takes effect on its next tick.
func WithEnabledFunc(fn func() bool) AdapterOption {
	return func(c *adapterConfig) {
		if fn != nil {
			c.enabled = fn
		}
	}
}

// WithWriteTimeout bounds every destination write.
// Panics if d is negative. Zero disables the bound.
func WithWriteTimeout(d time.Duration) AdapterOption {
	if d < 0 {
		panic("relay: write timeout cannot be negative")
	}
	return func(c *adapterConfig) {
		c.writeTimeout = d
	}
}

// WithRecordValidators rejects source rows failing any validator before
// they reach the MessageBox.
func WithRecordValidators(validators ...RecordValidator) AdapterOption {
	return func(c *adapterConfig) {
		c.validators = append(c.validators, validators...)
	}
}

// WithDeduplication drops source rows whose key was stored before.
// A nil key uses RecordHash.
func WithDeduplication(d *Deduplicator[string], key RecordKeyFunc) AdapterOption {
	return func(c *adapterConfig) {
		c.dedup = d
		if key != nil {
			c.dedupKey = key
		}
	}
}

// WithMiddleware adds middlewares around destination writes, innermost
// last.
func WithMiddleware(mws ...Middleware[messagebox.Message]) AdapterOption {
	return func(c *adapterConfig) {
		c.middlewares = append(c.middlewares, mws...)
	}
}

// PollingOption configures a PollingCoordinator.
type PollingOption func(*pollingConfig)

type pollingConfig struct {
	interval       time.Duration
	logger         *slog.Logger
	metricsHandler MetricsHandler
}

func defaultPollingConfig() *pollingConfig {
	return &pollingConfig{
		interval:       5 * time.Second,
		logger:         slog.Default(),
		metricsHandler: noopMetrics{},
	}
}

// WithInterval sets the polling interval.
// Default: 5 seconds. Panics if duration is <= 0.
func WithInterval(d time.Duration) PollingOption {
	if d <= 0 {
		panic("relay: interval must be positive")
	}
	return func(c *pollingConfig) {
		c.interval = d
	}
}

// WithPollLogger sets the coordinator's logger.
// If nil is passed, uses slog.Default().
func WithPollLogger(logger *slog.Logger) PollingOption {
	return func(c *pollingConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithPollMetrics sets the handler receiving tick durations.
// If nil is passed, uses a no-op handler.
func WithPollMetrics(handler MetricsHandler) PollingOption {
	return func(c *pollingConfig) {
		if handler != nil {
			c.metricsHandler = handler
		}
	}
}

// TransportOption configures a TransportCoordinator.
type TransportOption func(*transportConfig)

type transportConfig struct {
	workers        int
	receiveBatch   int
	idleWait       time.Duration
	maxDeliveries  int
	logger         *slog.Logger
	metricsHandler MetricsHandler
}

func defaultTransportConfig() *transportConfig {
	return &transportConfig{
		workers:        1,
		receiveBatch:   32,
		idleWait:       time.Second,
		maxDeliveries:  10,
		logger:         slog.Default(),
		metricsHandler: noopMetrics{},
	}
}

// WithWorkers sets how many deliveries are processed concurrently.
// Default: 1. Panics if n <= 0.
func WithWorkers(n int) TransportOption {
	if n <= 0 {
		panic("relay: workers must be positive")
	}
	return func(c *transportConfig) {
		c.workers = n
	}
}

// WithReceiveBatch sets the maximum deliveries taken per receive.
// Default: 32. Panics if n <= 0.
func WithReceiveBatch(n int) TransportOption {
	if n <= 0 {
		panic("relay: receive batch must be positive")
	}
	return func(c *transportConfig) {
		c.receiveBatch = n
	}
}

// WithIdleWait sets the pause after an empty receive.
// Default: 1 second. Panics if d < 0.
func WithIdleWait(d time.Duration) TransportOption {
	if d < 0 {
		panic("relay: idle wait cannot be negative")
	}
	return func(c *transportConfig) {
		c.idleWait = d
	}
}

// WithMaxDeliveries dead-letters a delivery once it has been delivered n
// times. Default: 10. Panics if n <= 0.
func WithMaxDeliveries(n int) TransportOption {
	if n <= 0 {
		panic("relay: max deliveries must be positive")
	}
	return func(c *transportConfig) {
		c.maxDeliveries = n
	}
}

// WithTransportLogger sets the coordinator's logger.
// If nil is passed, uses slog.Default().
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(c *transportConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTransportMetrics sets a metrics handler.
// If nil is passed, uses a no-op handler.
func WithTransportMetrics(handler MetricsHandler) TransportOption {
	return func(c *transportConfig) {
		if handler != nil {
			c.metricsHandler = handler
		}
	}
}
