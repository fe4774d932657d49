package odata_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfanmomeniii/relay"
	"github.com/erfanmomeniii/relay/internal/odata"
	"github.com/erfanmomeniii/relay/internal/odata/odatatest"
	"github.com/erfanmomeniii/relay/internal/remote"
)

func newClient(base string) *remote.Client {
	return remote.New("test", remote.Options{
		BaseURL: base,
		Retry:   &relay.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond},
	})
}

func TestReadAllFollowsNextLinks(t *testing.T) {
	srv := odatatest.NewServer(2)
	defer srv.Close()
	srv.Seed("accounts",
		map[string]any{"accountid": "a1", "name": "Contoso"},
		map[string]any{"accountid": "a2", "name": "Fabrikam"},
		map[string]any{"accountid": "a3", "name": "Northwind", "revenue": 12.5},
	)

	c := newClient(srv.URL + "/api/data/v9.2")
	entities, err := odata.ReadAll(context.Background(), c, "accounts?$select=accountid,name", 0)
	require.NoError(t, err)
	require.Len(t, entities, 3)
	assert.Len(t, srv.Requests(), 2)

	limited, err := odata.ReadAll(context.Background(), c, "accounts", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestReadAllV2Envelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"d":{"results":[{"__metadata":{"uri":"x"},"Matnr":"M-1","Menge":"3.000"}]}}`))
	}))
	defer srv.Close()

	entities, err := odata.ReadAll(context.Background(), newClient(srv.URL), "MaterialSet", 0)
	require.NoError(t, err)

	headers, records := odata.Rows(entities)
	assert.Equal(t, []string{"Matnr", "Menge"}, headers)
	assert.Equal(t, "3.000", records[0]["Menge"])
}

func TestRows(t *testing.T) {
	var entities []map[string]any
	require.NoError(t, remote.Decode([]byte(`[
		{"@odata.etag":"W/1","name":"Ada","age":36,"active":true,"manager":null},
		{"name":"Grace","age":85.5,"tags":["navy"],"city":"Arlington"}
	]`), &entities))

	headers, records := odata.Rows(entities)
	assert.Equal(t, []string{"active", "age", "manager", "name", "city", "tags"}, headers)
	assert.Equal(t, "36", records[0]["age"])
	assert.Equal(t, "true", records[0]["active"])
	assert.Equal(t, "", records[0]["manager"])
	assert.Equal(t, "85.5", records[1]["age"])
	assert.Equal(t, `["navy"]`, records[1]["tags"])
	_, hasEtag := records[0]["@odata.etag"]
	assert.False(t, hasEtag)
}

func TestEntity(t *testing.T) {
	e := odata.Entity([]string{"name", "email", "city"}, map[string]string{"name": "Ada", "email": "", "extra": "x"})
	assert.Equal(t, map[string]any{"name": "Ada", "email": nil}, e)
}

func TestBatchRoundTrip(t *testing.T) {
	srv := odatatest.NewServer(0)
	defer srv.Close()
	srv.Reject = func(set string, entity map[string]any) bool { return entity["name"] == "bad" }

	c := newClient(srv.URL + "/api/data/v9.2")
	ops := []odata.Operation{
		{Method: http.MethodPost, Path: c.URL("contacts"), Body: map[string]any{"name": "Ada"}},
		{Method: http.MethodPost, Path: c.URL("contacts"), Body: map[string]any{"name": "bad"}},
		{Method: http.MethodPost, Path: c.URL("contacts"), Body: map[string]any{"name": "Grace"}},
	}

	results, err := odata.SendBatch(context.Background(), c, "$batch", ops, false, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.False(t, results[0].Failed())
	assert.True(t, results[1].Failed())
	assert.False(t, results[2].Failed())
	assert.Len(t, srv.Created("contacts"), 2)
}

func TestBatchChangesetIsAtomic(t *testing.T) {
	srv := odatatest.NewServer(0)
	defer srv.Close()
	srv.Reject = func(set string, entity map[string]any) bool { return entity["name"] == "bad" }

	c := newClient(srv.URL)
	ops := []odata.Operation{
		{Method: http.MethodPost, Path: c.URL("contacts"), Body: map[string]any{"name": "Ada"}},
		{Method: http.MethodPost, Path: c.URL("contacts"), Body: map[string]any{"name": "bad"}},
	}

	results, err := odata.SendBatch(context.Background(), c, "$batch", ops, true, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed())
	assert.Empty(t, srv.Created("contacts"))

	ops[1].Body = map[string]any{"name": "Grace"}
	results, err = odata.SendBatch(context.Background(), c, "$batch", ops, true, nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Len(t, srv.Created("contacts"), 2)
}

func TestStringifyNumber(t *testing.T) {
	assert.Equal(t, "1e+21", odata.Stringify(json.Number("1e+21")))
	assert.Equal(t, "0.1", odata.Stringify(0.1))
}

func TestOutcome(t *testing.T) {
	ops := make([]odata.Operation, 4)
	for i := range ops {
		ops[i] = odata.Operation{Method: http.MethodPost, Path: "/contacts"}
	}

	assert.NoError(t, odata.Outcome(ops, []odata.Result{{Code: 204}, {Code: 201}, {Code: 204}, {Code: 204}}, false))

	err := odata.Outcome(ops, []odata.Result{{Code: 204}, {Code: 400}, {Code: 204}, {Code: 404}}, false)
	var rowErrs *relay.RowErrors
	require.ErrorAs(t, err, &rowErrs)
	assert.False(t, rowErrs.Aborted)
	assert.Len(t, rowErrs.Rows, 2)

	err = odata.Outcome(ops, []odata.Result{{Code: 204}, {Code: 400}, {Code: 503}, {Code: 204}}, false)
	require.ErrorAs(t, err, &rowErrs)
	assert.True(t, rowErrs.Aborted)
	assert.Equal(t, 1, rowErrs.FirstIndex())

	err = odata.Outcome(ops, []odata.Result{{Code: 400}}, true)
	require.Error(t, err)
	assert.False(t, errors.As(err, &rowErrs), "a rejected changeset fails as a whole")

	assert.Error(t, odata.Outcome(ops, []odata.Result{{Code: 204}}, false))
}
