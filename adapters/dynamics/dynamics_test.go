package dynamics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfanmomeniii/relay"
	"github.com/erfanmomeniii/relay/adapters/crm"
	"github.com/erfanmomeniii/relay/adapters/dynamics"
	"github.com/erfanmomeniii/relay/internal/odata/odatatest"
)

func config(base, tokenURL string) dynamics.Config {
	return dynamics.Config{
		Config:       crm.Config{BaseURL: base},
		ClientID:     "relay-app",
		ClientSecret: "s3cret",
		TokenURL:     tokenURL,
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := dynamics.New(dynamics.Config{Config: crm.Config{BaseURL: "https://org.crm.dynamics.com/api/data/v9.2"}})
	var cfgErr *relay.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "client_id")
	assert.Contains(t, err.Error(), "client_secret")
	assert.Contains(t, err.Error(), "tenant_id")

	_, err = dynamics.New(dynamics.Config{
		Config:       crm.Config{BaseURL: "https://org.crm.dynamics.com/api/data/v9.2"},
		TenantID:     "contoso",
		ClientID:     "relay-app",
		ClientSecret: "s3cret",
	})
	assert.NoError(t, err)
}

func TestReadAndWriteWithToken(t *testing.T) {
	srv := odatatest.NewServer(1)
	defer srv.Close()
	srv.Token = "tok-123"
	srv.Seed("accounts",
		map[string]any{"accountid": "1", "name": "Contoso"},
		map[string]any{"accountid": "2", "name": "Fabrikam"},
	)

	c, err := dynamics.New(config(srv.URL+"/api/data/v9.2", srv.URL+"/token"))
	require.NoError(t, err)
	assert.Equal(t, dynamics.Name, c.AdapterName())

	_, records, err := c.Read(context.Background(), "accounts")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	require.NoError(t, c.Write(context.Background(), "accounts", []string{"name"},
		[]map[string]string{{"name": "Northwind"}, {"name": "Tailspin"}}))
	assert.Len(t, srv.Created("accounts"), 2)

	var tokenCalls int
	for _, r := range srv.Requests() {
		if r == "POST /token" {
			tokenCalls++
		}
	}
	assert.Equal(t, 1, tokenCalls, "the token is reused until it expires")
}

func TestRejectedCredentialsAreNotRetried(t *testing.T) {
	var tokenCalls atomic.Int32
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"bad secret"}`))
	}))
	defer idp.Close()

	api := odatatest.NewServer(0)
	defer api.Close()

	c, err := dynamics.New(config(api.URL, idp.URL),
		crm.WithRetryPolicy(relay.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond}))
	require.NoError(t, err)

	_, _, err = c.Read(context.Background(), "accounts")
	var cfgErr *relay.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.False(t, relay.IsTransient(err))
	assert.Equal(t, int32(1), tokenCalls.Load())
	assert.Empty(t, api.Requests())
}
