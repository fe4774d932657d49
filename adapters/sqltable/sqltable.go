// Package sqltable is the SQL connector. A source polls a configurable
// statement; a destination inserts rows into a table, inside one
// transaction or row by row.
package sqltable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/erfanmomeniii/relay"
)

// Name is the adapter name instances refer to.
const Name = "SQL"

// Config configures the connector.
type Config struct {
	// Driver is "pgx" (PostgreSQL) or "mysql".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// PollStatement is the query a source runs on every tick. Default:
	// SELECT * FROM <locator>.
	PollStatement string `yaml:"poll_statement"`

	// Transactional writes every batch in one transaction.
	Transactional bool `yaml:"transactional"`

	// FailOnBadStatement aborts the batch at the first rejected row. When
	// false the row is skipped and reported, and the batch continues.
	FailOnBadStatement bool `yaml:"fail_on_bad_statement"`

	// CommandTimeout bounds every statement. Default: 30s.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// Connector implements relay.Connector on a database/sql pool.
type Connector struct {
	db      *sql.DB
	dialect string
	cfg     Config
	retry   relay.RetryPolicy
	logger  *slog.Logger
}

// Option configures a Connector.
type Option func(*Connector)

// WithLogger sets a custom logger.
// If nil is passed, uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetryPolicy sets the policy for transient database errors.
func WithRetryPolicy(p relay.RetryPolicy) Option {
	return func(c *Connector) { c.retry = p }
}

// Open opens the pool described by cfg.
func Open(cfg Config, opts ...Option) (*Connector, error) {
	if cfg.DSN == "" {
		return nil, &relay.ConfigError{Adapter: Name, Err: errors.New("dsn is required")}
	}
	if _, err := dialectOf(cfg.Driver); err != nil {
		return nil, err
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, &relay.ConfigError{Adapter: Name, Err: err}
	}
	return New(db, cfg, opts...)
}

// New wraps an open pool.
func New(db *sql.DB, cfg Config, opts ...Option) (*Connector, error) {
	if db == nil {
		panic("sqltable: db cannot be nil")
	}
	dialect, err := dialectOf(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	c := &Connector{
		db:      db,
		dialect: dialect,
		cfg:     cfg,
		retry:   relay.RetryPolicy{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: 0.1},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("adapter", Name)
	return c, nil
}

func dialectOf(driver string) (string, error) {
	switch driver {
	case "pgx", "postgres":
		return relay.DialectPostgres, nil
	case "mysql":
		return relay.DialectMySQL, nil
	}
	return "", &relay.ConfigError{Adapter: Name, Err: fmt.Errorf("unsupported driver %q", driver)}
}

func (c *Connector) AdapterName() string  { return Name }
func (c *Connector) AdapterAlias() string { return "SQL Server / Database" }
func (c *Connector) SupportsRead() bool   { return true }
func (c *Connector) SupportsWrite() bool  { return true }

// Close closes the pool.
func (c *Connector) Close() error { return c.db.Close() }

func (c *Connector) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.CommandTimeout)
}

// Read runs the poll statement, or selects every row of locator. NULL
// reads as an empty value.
func (c *Connector) Read(ctx context.Context, locator string) ([]string, []map[string]string, error) {
	stmt := c.cfg.PollStatement
	if stmt == "" {
		table, err := c.quoteTable(locator)
		if err != nil {
			return nil, nil, err
		}
		stmt = "SELECT * FROM " + table
	}

	type result struct {
		headers []string
		records []map[string]string
	}
	res, err := relay.Retry(ctx, c.retry, func(ctx context.Context) (result, error) {
		qctx, cancel := c.timeout(ctx)
		defer cancel()

		rows, err := c.db.QueryContext(qctx, stmt)
		if err != nil {
			return result{}, err
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			return result{}, err
		}
		var records []map[string]string
		for rows.Next() {
			values := make([]sql.NullString, len(cols))
			ptrs := make([]any, len(cols))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return result{}, err
			}
			rec := make(map[string]string, len(cols))
			for i, col := range cols {
				rec[col] = values[i].String
			}
			records = append(records, rec)
		}
		return result{headers: cols, records: records}, rows.Err()
	}, nil)
	if err != nil {
		return nil, nil, err
	}
	c.logger.Debug("poll statement read", "locator", locator, "rows", len(res.records))
	return res.headers, res.records, nil
}

// Write inserts records into the table named by locator. Empty values are
// inserted as NULL.
func (c *Connector) Write(ctx context.Context, locator string, headers []string, records []map[string]string) error {
	if len(records) == 0 {
		return nil
	}
	stmt, err := c.insertStatement(locator, headers)
	if err != nil {
		return err
	}
	if c.cfg.Transactional {
		return c.retry.Execute(ctx, func(ctx context.Context) error {
			return c.writeTx(ctx, stmt, headers, records)
		}, nil)
	}
	return c.writeRows(ctx, stmt, headers, records)
}

func (c *Connector) insertStatement(locator string, headers []string) (string, error) {
	table, err := c.quoteTable(locator)
	if err != nil {
		return "", err
	}
	cols := make([]string, len(headers))
	marks := make([]string, len(headers))
	for i, h := range headers {
		cols[i] = c.quote(h)
		marks[i] = c.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), strings.Join(marks, ", ")), nil
}

func args(headers []string, rec map[string]string) []any {
	out := make([]any, len(headers))
	for i, h := range headers {
		if v := rec[h]; v != "" {
			out[i] = v
		}
	}
	return out
}

// writeTx inserts every row in one transaction. With FailOnBadStatement a
// rejected row rolls the whole batch back; otherwise each row runs under a
// savepoint so a rejected row is undone alone.
func (c *Connector) writeTx(ctx context.Context, stmt string, headers []string, records []map[string]string) error {
	tctx, cancel := c.timeout(ctx)
	defer cancel()

	tx, err := c.db.BeginTx(tctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var skipped []relay.RowError
	for i, rec := range records {
		if c.cfg.FailOnBadStatement {
			if _, err := tx.ExecContext(tctx, stmt, args(headers, rec)...); err != nil {
				c.logger.Error("row rejected, rolling back batch", "row", i, "error", err)
				return err
			}
			continue
		}

		if _, err := tx.ExecContext(tctx, "SAVEPOINT relay_row"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(tctx, stmt, args(headers, rec)...); err != nil {
			if relay.IsTransient(err) {
				return err
			}
			c.logger.Warn("row rejected, skipped", "row", i, "error", err)
			skipped = append(skipped, relay.RowError{Index: i, Err: err})
			if _, err := tx.ExecContext(tctx, "ROLLBACK TO SAVEPOINT relay_row"); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.ExecContext(tctx, "RELEASE SAVEPOINT relay_row"); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if len(skipped) > 0 {
		return &relay.RowErrors{Rows: skipped}
	}
	return nil
}

// writeRows inserts row by row. A transient failure stops the batch so the
// remaining rows are attempted again later.
func (c *Connector) writeRows(ctx context.Context, stmt string, headers []string, records []map[string]string) error {
	var skipped []relay.RowError
	for i, rec := range records {
		err := c.retry.Execute(ctx, func(ctx context.Context) error {
			ectx, cancel := c.timeout(ctx)
			defer cancel()
			_, err := c.db.ExecContext(ectx, stmt, args(headers, rec)...)
			return err
		}, nil)
		if err == nil {
			continue
		}
		if c.cfg.FailOnBadStatement || relay.IsTransient(err) || ctx.Err() != nil {
			c.logger.Error("row failed, batch aborted", "row", i, "error", err)
			return &relay.RowErrors{Rows: []relay.RowError{{Index: i, Err: err}}, Aborted: true}
		}
		c.logger.Warn("row rejected, skipped", "row", i, "error", err)
		skipped = append(skipped, relay.RowError{Index: i, Err: err})
	}
	if len(skipped) > 0 {
		return &relay.RowErrors{Rows: skipped}
	}
	return nil
}

func (c *Connector) placeholder(n int) string {
	if c.dialect == relay.DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (c *Connector) quote(ident string) string {
	if c.dialect == relay.DialectMySQL {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// splitTable splits "schema.table" into its parts. A bare name has no
// schema.
func splitTable(locator string) (string, string, error) {
	locator = strings.TrimSpace(locator)
	schema, table, ok := strings.Cut(locator, ".")
	if !ok {
		schema, table = "", locator
	}
	if table == "" || strings.Contains(table, ".") {
		return "", "", &relay.ValidationError{Field: "locator", Err: fmt.Errorf("invalid table name %q", locator)}
	}
	return schema, table, nil
}

func (c *Connector) quoteTable(locator string) (string, error) {
	schema, table, err := splitTable(locator)
	if err != nil {
		return "", err
	}
	if schema == "" {
		return c.quote(table), nil
	}
	return c.quote(schema) + "." + c.quote(table), nil
}

var _ relay.Connector = (*Connector)(nil)
