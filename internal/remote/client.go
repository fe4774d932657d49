// Package remote is the HTTP client shared by the connectors that call
// remote business systems. Every request goes through a token bucket, a
// circuit breaker and the retry policy, in that order per attempt.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"

	"github.com/erfanmomeniii/relay"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("remote: %s %s: status %d: %s", e.Method, e.URL, e.Code, body)
}

// Temporary reports whether the status is worth retrying: 408, 429 and 5xx.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests ||
		e.Code >= 500
}

// Options configures a Client. Zero values pick the defaults noted per
// field.
type Options struct {
	// BaseURL is prefixed to every relative path.
	BaseURL string

	// HTTPClient performs the requests. Default: a client with Timeout.
	HTTPClient *http.Client

	// Timeout per attempt. Default: 30s.
	Timeout time.Duration

	// Retry is applied around every request. Default:
	// relay.DefaultRetryPolicy with 3 attempts.
	Retry *relay.RetryPolicy

	// Limiter, when set, is waited on before every attempt.
	Limiter *relay.RateLimiter

	// Header is sent with every request.
	Header http.Header

	Logger *slog.Logger
}

// Client calls one remote endpoint.
type Client struct {
	name    string
	base    string
	http    *http.Client
	retry   relay.RetryPolicy
	limiter *relay.RateLimiter
	header  http.Header
	cb      *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New creates a client. name identifies the remote system in logs and in
// the breaker.
func New(name string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	retry := relay.DefaultRetryPolicy()
	retry.MaxAttempts = 3
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("remote", name)

	c := &Client{
		name:    name,
		base:    strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		retry:   retry,
		limiter: opts.Limiter,
		header:  opts.Header.Clone(),
		logger:  logger,
	}
	c.cb = newCircuitBreaker(name, logger)
	return c
}

func newCircuitBreaker(name string, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return counts.ConsecutiveFailures >= 5
			}
			failRate := float64(counts.TotalFailures) / float64(counts.Requests)
			return failRate >= 0.5
		},
		// Caller bugs and rejected payloads must not open the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Temporary()
			}
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
}

// Name returns the remote system name.
func (c *Client) Name() string { return c.name }

// Response is a successful reply with its body read.
type Response struct {
	Code   int
	Header http.Header
	Body   []byte
}

// Do sends the request with retries. body may be nil. Non-2xx replies are
// returned as *StatusError.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, header http.Header) (*Response, error) {
	url := c.URL(path)
	return relay.Retry(ctx, c.retry, func(ctx context.Context) (*Response, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		out, err := c.cb.Execute(func() (interface{}, error) {
			return c.attempt(ctx, method, url, body, header)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				c.logger.Warn("request rejected by circuit breaker", "method", method, "url", url)
				return nil, fmt.Errorf("remote: %s: %w", c.name, err)
			}
			c.logger.Debug("request failed", "method", method, "url", url, "error", err)
			return nil, err
		}
		return out.(*Response), nil
	}, relay.IsTransient)
}

func (c *Client) attempt(ctx context.Context, method, url string, body []byte, header http.Header) (*Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	for k, vs := range header {
		req.Header[k] = append([]string(nil), vs...)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, relay.Transient(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: method, URL: url, Code: resp.StatusCode, Body: string(data)}
	}
	return &Response{Code: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// GetJSON decodes the reply of a GET into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return err
	}
	return Decode(resp.Body, out)
}

// SendJSON encodes in as the request body and decodes the reply into out
// when out is non-nil and the reply has a body.
func (c *Client) SendJSON(ctx context.Context, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("remote: encode %s body: %w", path, err)
	}
	resp, err := c.Do(ctx, method, path, body, http.Header{
		"Content-Type": {"application/json"},
		"Accept":       {"application/json"},
	})
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	return Decode(resp.Body, out)
}

// Decode unmarshals a JSON body. Numbers are kept as json.Number so
// decimals survive unchanged.
func Decode(body []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("remote: decode: %w", err)
	}
	return nil
}

// URL resolves path against the base URL. Absolute URLs are returned
// unchanged.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if path == "" {
		return c.base
	}
	return c.base + "/" + strings.TrimLeft(path, "/")
}
