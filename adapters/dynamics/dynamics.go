// Package dynamics is the Dynamics 365 connector: the CRM Web API
// connector behind an OAuth2 client credentials token.
package dynamics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/erfanmomeniii/relay"
	"github.com/erfanmomeniii/relay/adapters/crm"
)

// Name is the adapter name instances refer to.
const Name = "Dynamics365"

// Config configures the connector.
type Config struct {
	crm.Config `yaml:",inline"`

	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// TokenURL overrides the Microsoft identity platform endpoint of
	// TenantID.
	TokenURL string `yaml:"token_url"`

	// Scopes default to "<scheme>://<host of BaseURL>/.default".
	Scopes []string `yaml:"scopes"`
}

// Connector is a crm.Connector authenticated with OAuth2.
type Connector struct {
	*crm.Connector
}

// New validates cfg and returns a connector. Missing credentials are a
// configuration error.
func New(cfg Config, opts ...crm.Option) (*Connector, error) {
	cc, err := credentials(cfg)
	if err != nil {
		return nil, &relay.ConfigError{Adapter: Name, Err: err}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &tokenTransport{
			source: oauth2.ReuseTokenSource(nil, cc.TokenSource(tokenCtx)),
			base:   http.DefaultTransport,
		},
	}

	conn, err := crm.NewNamed(Name, cfg.Config, append(opts, crm.WithHTTPClient(httpClient))...)
	if err != nil {
		return nil, err
	}
	return &Connector{Connector: conn}, nil
}

func credentials(cfg Config) (*clientcredentials.Config, error) {
	var errs []error
	if cfg.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if cfg.ClientID == "" {
		errs = append(errs, errors.New("client_id is required"))
	}
	if cfg.ClientSecret == "" {
		errs = append(errs, errors.New("client_secret is required"))
	}
	if cfg.TenantID == "" && cfg.TokenURL == "" {
		errs = append(errs, errors.New("tenant_id or token_url is required"))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID))
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("base_url %q is not an absolute url", cfg.BaseURL)
		}
		scopes = []string{u.Scheme + "://" + u.Host + "/.default"}
	}
	return &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
		AuthStyle:    oauth2.AuthStyleInParams,
	}, nil
}

// tokenTransport attaches a bearer token to every request. A token request
// the identity platform rejects is a configuration error and is not
// retried.
type tokenTransport struct {
	source oauth2.TokenSource
	base   http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil &&
			rerr.Response.StatusCode < 500 && rerr.Response.StatusCode != http.StatusTooManyRequests {
			return nil, &relay.ConfigError{Adapter: Name, Err: fmt.Errorf("token request rejected: %w", err)}
		}
		return nil, relay.Transient(fmt.Errorf("dynamics: acquire token: %w", err))
	}

	out := req.Clone(req.Context())
	tok.SetAuthHeader(out)
	return t.base.RoundTrip(out)
}

var _ relay.Connector = (*Connector)(nil)
