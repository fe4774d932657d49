// Package crm is the connector for CRM Web API services. Reads run a
// FetchXML query or an OData query against an entity set; writes are sent
// as $batch requests.
package crm

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/erfanmomeniii/relay"
	"github.com/erfanmomeniii/relay/internal/odata"
	"github.com/erfanmomeniii/relay/internal/remote"
)

// Name is the adapter name instances refer to.
const Name = "CRM"

const defaultBatchSize = 100

// Config configures the connector.
type Config struct {
	// BaseURL is the Web API root, e.g. https://crm.example.com/api/data/v9.2.
	BaseURL string `yaml:"base_url"`

	// AccessToken is sent as a bearer token when set; otherwise Username
	// and Password are sent as basic credentials.
	AccessToken string `yaml:"access_token"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`

	// FetchXML selects FetchXML mode. The locator names the entity set the
	// query runs against.
	FetchXML string `yaml:"fetch_xml"`

	// Select and Filter shape the OData query in OData mode.
	Select []string `yaml:"select"`
	Filter string   `yaml:"filter"`

	// PageSize is requested with the odata.maxpagesize preference.
	PageSize int `yaml:"page_size"`
	MaxPages int `yaml:"max_pages"`

	// BatchSize bounds the operations per $batch. Default: 100.
	BatchSize int `yaml:"batch_size"`

	// Atomic applies each $batch as one changeset.
	Atomic bool `yaml:"atomic"`

	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// Connector implements relay.Connector for a CRM Web API.
type Connector struct {
	cfg    Config
	client *remote.Client
	logger *slog.Logger
}

// Option configures a Connector.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	retry      *relay.RetryPolicy
	httpClient *http.Client
}

// WithLogger sets a custom logger.
// If nil is passed, uses slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRetryPolicy overrides the retry policy of remote calls.
func WithRetryPolicy(p relay.RetryPolicy) Option {
	return func(o *options) { o.retry = &p }
}

// WithHTTPClient sets the client performing the requests. Dynamics 365
// passes its OAuth2 client here.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New validates cfg and returns a connector.
func New(cfg Config, opts ...Option) (*Connector, error) {
	return NewNamed(Name, cfg, opts...)
}

// NewNamed is New for connectors built on the CRM Web API under another
// adapter name.
func NewNamed(name string, cfg Config, opts ...Option) (*Connector, error) {
	if cfg.BaseURL == "" {
		return nil, &relay.ConfigError{Adapter: name, Err: errors.New("base_url is required")}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("adapter", name)

	header := http.Header{
		"OData-MaxVersion": {"4.0"},
		"OData-Version":    {"4.0"},
	}
	prefer := []string{`odata.include-annotations="OData.Community.Display.V1.FormattedValue"`}
	if cfg.PageSize > 0 {
		prefer = append(prefer, "odata.maxpagesize="+strconv.Itoa(cfg.PageSize))
	}
	header.Set("Prefer", strings.Join(prefer, ","))
	switch {
	case cfg.AccessToken != "":
		header.Set("Authorization", "Bearer "+cfg.AccessToken)
	case cfg.Username != "":
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		header.Set("Authorization", "Basic "+creds)
	}

	var limiter *relay.RateLimiter
	if cfg.RequestsPerSecond > 0 {
		limiter = relay.NewRateLimiter(max(int(cfg.RequestsPerSecond), 1), cfg.RequestsPerSecond)
	}
	client := remote.New(name, remote.Options{
		BaseURL:    cfg.BaseURL,
		HTTPClient: o.httpClient,
		Timeout:    cfg.Timeout,
		Retry:      o.retry,
		Limiter:    limiter,
		Header:     header,
		Logger:     logger,
	})
	return &Connector{cfg: cfg, client: client, logger: logger}, nil
}

func (c *Connector) AdapterName() string  { return c.client.Name() }
func (c *Connector) AdapterAlias() string { return c.client.Name() + " Web API" }
func (c *Connector) SupportsRead() bool   { return true }
func (c *Connector) SupportsWrite() bool  { return true }

// Read queries the entity set named by locator.
func (c *Connector) Read(ctx context.Context, locator string) ([]string, []map[string]string, error) {
	return c.read(ctx, locator, c.cfg.MaxPages)
}

func (c *Connector) read(ctx context.Context, locator string, maxPages int) ([]string, []map[string]string, error) {
	entities, err := odata.ReadAll(ctx, c.client, c.query(locator), maxPages)
	if err != nil {
		return nil, nil, err
	}
	headers, records := odata.Rows(entities)
	c.logger.Debug("entities read", "locator", locator, "count", len(records))
	return headers, records, nil
}

// query builds the request path for locator in the configured mode.
func (c *Connector) query(locator string) string {
	set := strings.Trim(locator, "/")
	if c.cfg.FetchXML != "" {
		return set + "?fetchXml=" + url.QueryEscape(c.cfg.FetchXML)
	}
	q := url.Values{}
	if len(c.cfg.Select) > 0 {
		q.Set("$select", strings.Join(c.cfg.Select, ","))
	}
	if c.cfg.Filter != "" {
		q.Set("$filter", c.cfg.Filter)
	}
	if len(q) == 0 {
		return set
	}
	return set + "?" + q.Encode()
}

// Write creates one entity per record in the entity set named by locator.
func (c *Connector) Write(ctx context.Context, locator string, headers []string, records []map[string]string) error {
	if len(records) == 0 {
		return nil
	}
	target := c.client.URL(strings.Trim(locator, "/"))
	ops := make([]odata.Operation, len(records))
	for i, rec := range records {
		ops[i] = odata.Operation{Method: http.MethodPost, Path: target, Body: odata.Entity(headers, rec)}
	}
	err := odata.WriteChunked(ctx, c.client, "$batch", ops, c.cfg.BatchSize, c.cfg.Atomic, nil)
	var rowErrs *relay.RowErrors
	if errors.As(err, &rowErrs) {
		c.logger.Warn("batch rows rejected", "locator", locator, "rows", len(rowErrs.Rows), "aborted", rowErrs.Aborted)
	}
	return err
}

// GetSchema infers the column types from the first page of target.
func (c *Connector) GetSchema(ctx context.Context, target string) (relay.Schema, error) {
	headers, records, err := c.read(ctx, target, 1)
	if err != nil {
		return nil, err
	}
	return relay.InferSchema(headers, records), nil
}

// EnsureDestinationStructure is a no-op: entity definitions are managed
// in the CRM itself.
func (c *Connector) EnsureDestinationStructure(context.Context, string, relay.Schema) error {
	return nil
}

var _ relay.Connector = (*Connector)(nil)
