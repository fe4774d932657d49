package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/erfanmomeniii/relay/messagebox"
)

// Role is the part an adapter instance plays for its interface.
type Role string

const (
	RoleSource      Role = "Source"
	RoleDestination Role = "Destination"
)

// Instance is one provisioned adapter instance. Apart from Enabled it is
// read-only once provisioned.
type Instance struct {
	// ID is the instance guid. Destinations use it as their consumer
	// identity in the subscription ledger.
	ID            string
	AdapterName   string
	Role          Role
	InterfaceName string
	Name          string
	Enabled       bool

	// Locator is the source or destination the coordinator passes on each
	// tick: a folder, a table, an entity set.
	Locator string

	// BatchSize caps the pending messages a destination drains per tick.
	// Zero means no cap.
	BatchSize int

	// ProcessNewestFirst drains the most recent pending messages first.
	// The default is oldest first.
	ProcessNewestFirst bool
}

// Validate reports every missing or inconsistent field.
func (i Instance) Validate() error {
	var errs []error
	if strings.TrimSpace(i.ID) == "" {
		errs = append(errs, errors.New("instance id is required"))
	}
	if strings.TrimSpace(i.AdapterName) == "" {
		errs = append(errs, errors.New("adapter name is required"))
	}
	if strings.TrimSpace(i.InterfaceName) == "" {
		errs = append(errs, errors.New("interface name is required"))
	}
	if i.Role != RoleSource && i.Role != RoleDestination {
		errs = append(errs, fmt.Errorf("unknown role %q", i.Role))
	}
	if i.BatchSize < 0 {
		errs = append(errs, errors.New("batch size cannot be negative"))
	}
	if len(errs) > 0 {
		return &ConfigError{Adapter: i.AdapterName, Err: errors.Join(errs...)}
	}
	return nil
}

// Connector is the native capability set of one protocol: it reads and
// writes rows of string values and knows the structure of its targets.
// Connectors know nothing about the MessageBox; Adapter adds the role
// semantics on top.
type Connector interface {
	AdapterName() string
	AdapterAlias() string
	SupportsRead() bool
	SupportsWrite() bool

	// Read pulls rows from locator.
	Read(ctx context.Context, locator string) ([]string, []map[string]string, error)

	// Write pushes rows to locator. Rows rejected individually are reported
	// through *RowErrors.
	Write(ctx context.Context, locator string, headers []string, records []map[string]string) error

	// GetSchema returns the column types of target.
	GetSchema(ctx context.Context, target string) (Schema, error)

	// EnsureDestinationStructure creates or widens destination to hold
	// schema. It never narrows an existing column.
	EnsureDestinationStructure(ctx context.Context, destination string, schema Schema) error
}

// ReadCommitter is implemented by connectors whose reads consume input,
// such as files in an incoming folder. CommitRead runs once the rows of the
// previous Read on locator are stored in the MessageBox.
type ReadCommitter interface {
	CommitRead(ctx context.Context, locator string) error
}

// Adapter binds a Connector to a provisioned Instance and the MessageBox.
//
// As a Source, a successful Read is not returned before its rows are
// debatched into the MessageBox. As a Destination, Write first drains the
// instance's pending messages and only falls back to the rows passed in
// when nothing is pending.
type Adapter struct {
	conn   Connector
	inst   Instance
	box    *messagebox.Box
	config *adapterConfig
	logger *slog.Logger
	source *pendingSource
}

// NewAdapter binds conn to inst. It fails with a *ConfigError when the
// instance is incomplete or asks for a role the connector cannot serve.
func NewAdapter(conn Connector, inst Instance, box *messagebox.Box, opts ...AdapterOption) (*Adapter, error) {
	if conn == nil {
		panic("relay: connector cannot be nil")
	}
	if box == nil {
		panic("relay: messagebox cannot be nil")
	}
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	if inst.Role == RoleSource && !conn.SupportsRead() {
		return nil, &ConfigError{Adapter: conn.AdapterName(), Err: ErrReadNotSupported}
	}
	if inst.Role == RoleDestination && !conn.SupportsWrite() {
		return nil, &ConfigError{Adapter: conn.AdapterName(), Err: ErrWriteNotSupported}
	}

	config := defaultAdapterConfig(inst)
	for _, opt := range opts {
		opt(config)
	}

	a := &Adapter{
		conn:   conn,
		inst:   inst,
		box:    box,
		config: config,
		logger: config.logger.With(
			"adapter", conn.AdapterName(),
			"instance", inst.ID,
			"interface", inst.InterfaceName,
			"role", string(inst.Role),
		),
	}
	a.source = &pendingSource{
		box:         box,
		iface:       inst.InterfaceName,
		consumer:    inst.ID,
		limit:       inst.BatchSize,
		newestFirst: inst.ProcessNewestFirst,
	}
	return a, nil
}

// AdapterName returns the connector's name.
func (a *Adapter) AdapterName() string { return a.conn.AdapterName() }

// AdapterAlias returns the connector's display name.
func (a *Adapter) AdapterAlias() string { return a.conn.AdapterAlias() }

// SupportsRead reports the connector's read capability.
func (a *Adapter) SupportsRead() bool { return a.conn.SupportsRead() }

// SupportsWrite reports the connector's write capability.
func (a *Adapter) SupportsWrite() bool { return a.conn.SupportsWrite() }

// Instance returns the bound instance.
func (a *Adapter) Instance() Instance { return a.inst }

// Connector returns the wrapped connector.
func (a *Adapter) Connector() Connector { return a.conn }

// Health returns the adapter's health check, or nil if none was set.
func (a *Adapter) Health() *HealthCheck { return a.config.health }

// Enabled reports whether the instance may act right now.
func (a *Adapter) Enabled() bool { return a.config.enabled() }

// Read pulls rows from locator. For a Source instance the rows are written
// to the MessageBox before Read returns; a failure there is returned even
// though the rows were read.
func (a *Adapter) Read(ctx context.Context, locator string) ([]string, []map[string]string, error) {
	if err := validateLocator(locator); err != nil {
		return nil, nil, err
	}
	if !a.conn.SupportsRead() {
		return nil, nil, ErrReadNotSupported
	}
	if !a.Enabled() {
		return nil, nil, ErrAdapterDisabled
	}
	if err := a.throttle(ctx); err != nil {
		return nil, nil, err
	}

	headers, records, err := a.conn.Read(ctx, locator)
	if err != nil {
		ferr := &FetchError{Adapter: a.conn.AdapterName(), Err: err}
		a.logger.Error("failed to read records", "locator", locator, "error", err)
		a.fail("read", len(records), ferr)
		return nil, nil, ferr
	}
	a.config.metrics.RecordsRead(len(records))

	if a.inst.Role != RoleSource {
		return headers, records, nil
	}
	if len(records) == 0 {
		a.commit(ctx, locator)
		return headers, records, nil
	}
	if len(headers) == 0 {
		verr := &ValidationError{Field: "headers", Err: ErrEmptyHeaders}
		a.logger.Error("source returned rows without headers", "locator", locator, "count", len(records))
		a.fail("read", len(records), verr)
		return nil, nil, verr
	}

	accepted, keys := a.admit(ctx, headers, records)
	if len(accepted) == 0 {
		a.logger.Debug("no new records after filtering", "locator", locator, "read", len(records))
		a.commit(ctx, locator)
		return headers, records, nil
	}

	ids, err := a.box.WriteMessages(ctx, a.producer(), headers, accepted)
	a.config.metrics.MessagesWritten(len(ids))
	a.remember(keys[:len(ids)])
	if err != nil {
		a.logger.Error("failed to write messages",
			"locator", locator,
			"written", len(ids),
			"total", len(accepted),
			"error", err,
		)
		a.fail("messagebox_write", len(accepted)-len(ids), err)
		return headers, records, fmt.Errorf("relay: %s: write messages: %w", a.conn.AdapterName(), err)
	}

	a.commit(ctx, locator)
	a.succeed(len(ids))
	a.logger.Info("records stored in messagebox", "locator", locator, "count", len(ids))
	return headers, records, nil
}

// Write pushes rows to locator. A Destination instance first drains its
// pending messages; the MessageBox takes precedence and the headers and
// records passed in are only written when nothing was pending.
func (a *Adapter) Write(ctx context.Context, locator string, headers []string, records []map[string]string) error {
	if err := validateLocator(locator); err != nil {
		return err
	}
	if err := validateHeaders(headers); err != nil {
		return err
	}
	if !a.conn.SupportsWrite() {
		return ErrWriteNotSupported
	}
	if !a.Enabled() {
		return ErrAdapterDisabled
	}

	if a.inst.Role == RoleDestination {
		n, err := a.drain(ctx, locator)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
	if len(records) == 0 {
		return nil
	}
	return a.writeDirect(ctx, locator, headers, records)
}

// Drain writes the instance's pending messages to locator and marks their
// subscriptions. It returns the number of messages marked.
func (a *Adapter) Drain(ctx context.Context, locator string) (int, error) {
	if err := validateLocator(locator); err != nil {
		return 0, err
	}
	if a.inst.Role != RoleDestination {
		return 0, fmt.Errorf("relay: drain on %s instance %s", a.inst.Role, a.inst.ID)
	}
	if !a.Enabled() {
		return 0, ErrAdapterDisabled
	}
	return a.drain(ctx, locator)
}

func (a *Adapter) drain(ctx context.Context, locator string) (int, error) {
	pending, err := a.source.FetchRecords(ctx)
	if err != nil {
		a.logger.Error("failed to fetch pending messages", "error", err)
		a.fail("fetch_pending", 0, err)
		return 0, err
	}
	if len(pending) == 0 {
		a.logger.Debug("no pending messages")
		return 0, nil
	}
	a.logger.Debug("draining pending messages", "count", len(pending))

	applyStart := time.Now()
	written, skipped, applyErr := a.applier(locator).Apply(ctx, pending)
	a.config.metrics.ApplyDuration(time.Since(applyStart))
	a.config.metrics.RecordsApplied(len(written), len(skipped))

	for _, m := range skipped {
		a.logger.Warn("record skipped",
			"message_id", m.ID,
			"locator", locator,
			"details", m.ProcessingDetails,
		)
		a.deadLetter(ctx, m, locator)
	}
	if applyErr != nil {
		a.logger.Error("failed to write pending messages",
			"locator", locator,
			"written", len(written),
			"pending", len(pending),
			"error", applyErr,
		)
		a.config.errorHandler(applyErr)
		a.config.metrics.ErrorOccurred("apply")
	}

	done := append(written, skipped...)
	if len(done) == 0 {
		return 0, applyErr
	}
	if err := a.source.MarkAsSynced(ctx, done); err != nil {
		a.logger.Error("failed to mark subscriptions", "count", len(done), "error", err)
		a.config.errorHandler(err)
		a.config.metrics.ErrorOccurred("mark")
		return 0, errors.Join(applyErr, err)
	}
	a.config.metrics.SubscriptionsMarked(len(done))
	a.logger.Info("pending messages written", "locator", locator, "written", len(written), "skipped", len(skipped))
	return len(done), applyErr
}

func (a *Adapter) writeDirect(ctx context.Context, locator string, headers []string, records []map[string]string) error {
	if err := a.throttle(ctx); err != nil {
		return err
	}
	wctx, cancel := a.writeContext(ctx)
	defer cancel()

	err := a.conn.Write(wctx, locator, headers, records)
	if err == nil {
		a.config.metrics.RecordsApplied(len(records), 0)
		a.succeed(len(records))
		return nil
	}

	var rowErrs *RowErrors
	if errors.As(err, &rowErrs) && !rowErrs.Aborted {
		for _, r := range rowErrs.Rows {
			a.logger.Warn("record skipped", "locator", locator, "row", r.Index, "error", r.Err)
		}
		a.config.metrics.RecordsApplied(len(records)-len(rowErrs.Rows), len(rowErrs.Rows))
		a.succeed(len(records) - len(rowErrs.Rows))
		return nil
	}

	aerr := &ApplyError{Adapter: a.conn.AdapterName(), Err: err}
	a.logger.Error("failed to write records", "locator", locator, "count", len(records), "error", err)
	a.fail("apply", len(records), aerr)
	return aerr
}

// GetSchema returns the column types of target.
func (a *Adapter) GetSchema(ctx context.Context, target string) (Schema, error) {
	if err := validateLocator(target); err != nil {
		return nil, err
	}
	return a.conn.GetSchema(ctx, target)
}

// EnsureDestinationStructure creates or widens destination for schema.
func (a *Adapter) EnsureDestinationStructure(ctx context.Context, destination string, schema Schema) error {
	if err := validateLocator(destination); err != nil {
		return err
	}
	if !a.conn.SupportsWrite() {
		return ErrWriteNotSupported
	}
	if len(schema) == 0 {
		return &ValidationError{Field: "schema", Err: errors.New("at least one column is required")}
	}
	return a.conn.EnsureDestinationStructure(ctx, destination, schema)
}

func (a *Adapter) producer() messagebox.Producer {
	name := a.inst.Name
	if name == "" {
		name = a.conn.AdapterAlias()
	}
	return messagebox.Producer{
		InterfaceName: a.inst.InterfaceName,
		AdapterName:   name,
		AdapterType:   a.conn.AdapterName(),
		InstanceID:    a.inst.ID,
	}
}

func (a *Adapter) applier(locator string) Applier[messagebox.Message] {
	base := &connectorApplier{
		conn:     a.conn,
		locator:  locator,
		throttle: a.throttle,
	}
	mws := []Middleware[messagebox.Message]{RecoveryMiddleware[messagebox.Message](a.logger)}
	if a.config.health != nil {
		mws = append(mws, HealthCheckMiddleware[messagebox.Message](a.config.health))
	}
	if a.config.writeTimeout > 0 {
		mws = append(mws, TimeoutMiddleware[messagebox.Message](a.config.writeTimeout))
	}
	mws = append(mws, a.config.middlewares...)
	return Chain(mws...)(base)
}

func (a *Adapter) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.config.writeTimeout > 0 {
		return context.WithTimeout(ctx, a.config.writeTimeout)
	}
	return context.WithCancel(ctx)
}

func (a *Adapter) throttle(ctx context.Context) error {
	if a.config.limiter == nil {
		return nil
	}
	return a.config.limiter.Wait(ctx)
}

func (a *Adapter) commit(ctx context.Context, locator string) {
	rc, ok := a.conn.(ReadCommitter)
	if !ok {
		return
	}
	if err := rc.CommitRead(ctx, locator); err != nil {
		// The rows are already stored; the source will see them again and
		// deduplication or the destination absorbs the repeat.
		a.logger.Error("failed to commit read", "locator", locator, "error", err)
		a.config.errorHandler(err)
		a.config.metrics.ErrorOccurred("commit")
	}
}

func (a *Adapter) deadLetter(ctx context.Context, m messagebox.Message, locator string) {
	if a.config.dlq == nil {
		return
	}
	now := time.Now()
	entry := DeadLetter{
		MessageID:     m.ID,
		InterfaceName: m.InterfaceName,
		Consumer:      a.inst.ID,
		Locator:       locator,
		Headers:       m.Headers,
		Record:        m.Record,
		Reason:        m.ProcessingDetails,
		Attempts:      1,
		FirstFailure:  now,
		LastFailure:   now,
	}
	if err := a.config.dlq.Send(ctx, entry); err != nil {
		a.logger.Error("failed to dead-letter record", "message_id", m.ID, "error", err)
	}
}

func (a *Adapter) fail(kind string, count int, err error) {
	a.config.errorHandler(err)
	a.config.metrics.ErrorOccurred(kind)
	if a.config.health != nil {
		a.config.health.RecordFailure(count, err)
	}
}

func (a *Adapter) succeed(count int) {
	if a.config.health != nil {
		a.config.health.RecordSuccess(count)
	}
}
