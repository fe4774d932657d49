// Package sap is the SAP connector. It talks to one of three mutually
// exclusive transports: an OData service, a REST endpoint or function
// modules called over HTTP. With no transport but an IDoc type it produces
// simulated IDoc control records for development systems.
package sap

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erfanmomeniii/relay"
	"github.com/erfanmomeniii/relay/internal/odata"
	"github.com/erfanmomeniii/relay/internal/remote"
)

// Name is the adapter name instances refer to.
const Name = "SAP"

// Config configures the connector.
type Config struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Client is sent as the sap-client header.
	Client string `yaml:"client"`

	UseOData bool `yaml:"use_odata"`
	UseREST  bool `yaml:"use_rest"`
	UseRFC   bool `yaml:"use_rfc"`

	// ODataService is the service root, e.g.
	// /sap/opu/odata/sap/API_BUSINESS_PARTNER.
	ODataService string `yaml:"odata_service"`

	// Atomic sends OData writes as one changeset.
	Atomic bool `yaml:"atomic"`

	RESTPath string `yaml:"rest_path"`

	// RFCPath is the function module endpoint. Default: /sap/bc/rfc.
	RFCPath     string `yaml:"rfc_path"`
	RFCFunction string `yaml:"rfc_function"`

	IDocType    string `yaml:"idoc_type"`
	MessageType string `yaml:"message_type"`

	// SimulatedCount is the number of IDocs per simulated read. Default: 1.
	SimulatedCount int `yaml:"simulated_count"`

	// MaxPages bounds an OData read. Zero reads every page.
	MaxPages int `yaml:"max_pages"`

	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type mode int

const (
	modeNone mode = iota
	modeOData
	modeREST
	modeRFC
)

// Connector implements relay.Connector for SAP.
type Connector struct {
	cfg    Config
	mode   mode
	client *remote.Client
	retry  *relay.RetryPolicy
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	csrf string

	docnum atomic.Int64
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

// WithRetryPolicy overrides the retry policy of remote calls.
func WithRetryPolicy(p relay.RetryPolicy) Option {
	return func(c *Connector) { c.retry = &p }
}

// WithClock sets the clock used for simulated IDocs.
func WithClock(now func() time.Time) Option {
	return func(c *Connector) { c.now = now }
}

// New validates cfg and returns a connector. Selecting more than one
// transport is a configuration error.
func New(cfg Config, opts ...Option) (*Connector, error) {
	c := &Connector{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("adapter", Name)

	var selected []string
	if cfg.UseOData {
		c.mode, selected = modeOData, append(selected, "odata")
	}
	if cfg.UseREST {
		c.mode, selected = modeREST, append(selected, "rest")
	}
	if cfg.UseRFC {
		c.mode, selected = modeRFC, append(selected, "rfc")
	}
	if len(selected) > 1 {
		return nil, configErr("transports %s are mutually exclusive", strings.Join(selected, ", "))
	}

	switch c.mode {
	case modeOData:
		if cfg.ODataService == "" {
			return nil, configErr("odata_service is required with use_odata")
		}
	case modeREST:
		if cfg.RESTPath == "" {
			return nil, configErr("rest_path is required with use_rest")
		}
	case modeRFC:
		if cfg.RFCFunction == "" {
			return nil, configErr("rfc_function is required with use_rfc")
		}
		if c.cfg.RFCPath == "" {
			c.cfg.RFCPath = "/sap/bc/rfc"
		}
	}
	if c.mode != modeNone {
		if cfg.BaseURL == "" {
			return nil, configErr("base_url is required")
		}
		c.client = c.newClient()
	}
	if c.cfg.SimulatedCount <= 0 {
		c.cfg.SimulatedCount = 1
	}
	return c, nil
}

func configErr(format string, args ...any) error {
	return &relay.ConfigError{Adapter: Name, Err: fmt.Errorf(format, args...)}
}

func (c *Connector) newClient() *remote.Client {
	header := http.Header{}
	if c.cfg.Username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + c.cfg.Password))
		header.Set("Authorization", "Basic "+token)
	}
	if c.cfg.Client != "" {
		header.Set("sap-client", c.cfg.Client)
	}

	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	// The CSRF token is bound to the session cookie.
	jar, _ := cookiejar.New(nil)

	var limiter *relay.RateLimiter
	if c.cfg.RequestsPerSecond > 0 {
		limiter = relay.NewRateLimiter(max(int(c.cfg.RequestsPerSecond), 1), c.cfg.RequestsPerSecond)
	}
	return remote.New(Name, remote.Options{
		BaseURL:    c.cfg.BaseURL,
		HTTPClient: &http.Client{Timeout: timeout, Jar: jar},
		Retry:      c.retry,
		Limiter:    limiter,
		Header:     header,
		Logger:     c.logger,
	})
}

func (c *Connector) AdapterName() string  { return Name }
func (c *Connector) AdapterAlias() string { return "SAP / IDoc" }
func (c *Connector) SupportsRead() bool   { return true }
func (c *Connector) SupportsWrite() bool  { return true }

// Read pulls the entity set, resource or table named by locator.
func (c *Connector) Read(ctx context.Context, locator string) ([]string, []map[string]string, error) {
	return c.read(ctx, locator, c.cfg.MaxPages)
}

func (c *Connector) read(ctx context.Context, locator string, maxPages int) ([]string, []map[string]string, error) {
	switch c.mode {
	case modeOData:
		entities, err := odata.ReadAll(ctx, c.client, c.entityPath(locator)+"?$format=json", maxPages)
		if err != nil {
			return nil, nil, err
		}
		headers, records := odata.Rows(entities)
		return headers, records, nil
	case modeREST:
		return c.readREST(ctx, locator)
	case modeRFC:
		return c.readRFC(ctx, locator)
	}
	if c.cfg.IDocType == "" {
		return nil, nil, configErr("no transport and no idoc_type configured")
	}
	headers, records := c.simulateIDocs()
	c.logger.Debug("simulated idocs generated", "idoc_type", c.cfg.IDocType, "count", len(records))
	return headers, records, nil
}

// Write sends records to the entity set, resource or table named by
// locator.
func (c *Connector) Write(ctx context.Context, locator string, headers []string, records []map[string]string) error {
	if len(records) == 0 {
		return nil
	}
	switch c.mode {
	case modeOData:
		return c.writeOData(ctx, locator, headers, records)
	case modeREST:
		return c.writeREST(ctx, locator, headers, records)
	case modeRFC:
		return c.writeRFC(ctx, locator, headers, records)
	}
	return configErr("write needs a transport, simulated idocs are read only")
}

// GetSchema infers the column types from the first page of target.
func (c *Connector) GetSchema(ctx context.Context, target string) (relay.Schema, error) {
	headers, records, err := c.read(ctx, target, 1)
	if err != nil {
		return nil, err
	}
	return relay.InferSchema(headers, records), nil
}

// EnsureDestinationStructure is a no-op: SAP structures are defined in the
// ABAP dictionary.
func (c *Connector) EnsureDestinationStructure(context.Context, string, relay.Schema) error {
	return nil
}

func (c *Connector) entityPath(locator string) string {
	return strings.TrimRight(c.cfg.ODataService, "/") + "/" + strings.TrimLeft(locator, "/")
}

func (c *Connector) writeOData(ctx context.Context, locator string, headers []string, records []map[string]string) error {
	ops := make([]odata.Operation, len(records))
	for i, rec := range records {
		ops[i] = odata.Operation{
			Method: http.MethodPost,
			Path:   c.client.URL(c.entityPath(locator)),
			Body:   odata.Entity(headers, rec),
		}
	}
	batchPath := strings.TrimRight(c.cfg.ODataService, "/") + "/$batch"

	var results []odata.Result
	for attempt := 0; ; attempt++ {
		token, err := c.csrfToken(ctx)
		if err != nil {
			return err
		}
		results, err = odata.SendBatch(ctx, c.client, batchPath, ops, c.cfg.Atomic, http.Header{"X-CSRF-Token": {token}})
		var se *remote.StatusError
		if attempt == 0 && errors.As(err, &se) && se.Code == http.StatusForbidden {
			c.logger.Debug("csrf token rejected, fetching a new one")
			c.resetCSRF()
			continue
		}
		if err != nil {
			return err
		}
		break
	}
	return odata.Outcome(ops, results, c.cfg.Atomic)
}

func (c *Connector) csrfToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.csrf
	c.mu.Unlock()
	if token != "" {
		return token, nil
	}

	resp, err := c.client.Do(ctx, http.MethodGet, strings.TrimRight(c.cfg.ODataService, "/")+"/", nil,
		http.Header{"X-CSRF-Token": {"Fetch"}})
	if err != nil {
		return "", fmt.Errorf("sap: fetch csrf token: %w", err)
	}
	token = resp.Header.Get("X-CSRF-Token")

	c.mu.Lock()
	c.csrf = token
	c.mu.Unlock()
	return token, nil
}

func (c *Connector) resetCSRF() {
	c.mu.Lock()
	c.csrf = ""
	c.mu.Unlock()
}

func (c *Connector) restPath(locator string) string {
	return strings.TrimRight(c.cfg.RESTPath, "/") + "/" + strings.TrimLeft(locator, "/")
}

func (c *Connector) readREST(ctx context.Context, locator string) ([]string, []map[string]string, error) {
	var body any
	if err := c.client.GetJSON(ctx, c.restPath(locator), &body); err != nil {
		return nil, nil, err
	}
	headers, records := odata.Rows(collection(body))
	return headers, records, nil
}

// collection finds the list of objects in a REST reply: a bare array, a
// well known envelope key, or a single object.
func collection(body any) []map[string]any {
	switch t := body.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, v := range t {
			if m, ok := v.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		if d, ok := t["d"]; ok {
			return collection(d)
		}
		for _, key := range []string{"value", "results", "items", "data"} {
			if v, ok := t[key]; ok {
				return collection(v)
			}
		}
		return []map[string]any{t}
	}
	return nil
}

// writeREST posts one record per request. Rejected records are skipped;
// a retryable failure stops the batch at that record.
func (c *Connector) writeREST(ctx context.Context, locator string, headers []string, records []map[string]string) error {
	var skipped []relay.RowError
	for i, rec := range records {
		err := c.client.SendJSON(ctx, http.MethodPost, c.restPath(locator), odata.Entity(headers, rec), nil)
		if err == nil {
			continue
		}
		if relay.IsTransient(err) || ctx.Err() != nil || !isRejection(err) {
			return &relay.RowErrors{Rows: []relay.RowError{{Index: i, Err: err}}, Aborted: true}
		}
		c.logger.Warn("record rejected", "locator", locator, "row", i, "error", err)
		skipped = append(skipped, relay.RowError{Index: i, Err: err})
	}
	if len(skipped) > 0 {
		return &relay.RowErrors{Rows: skipped}
	}
	return nil
}

func isRejection(err error) bool {
	var se *remote.StatusError
	return errors.As(err, &se) && !se.Temporary()
}

var _ relay.Connector = (*Connector)(nil)
