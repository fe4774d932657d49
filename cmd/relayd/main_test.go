package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erfanmomeniii/relay"
	"github.com/erfanmomeniii/relay/config"
)

// writeConfig creates a CSV to CSV interface under a temporary root and
// returns the config path and the root.
func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	incoming := filepath.Join(root, "src", "incoming")
	require.NoError(t, os.MkdirAll(incoming, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(incoming, "prices.csv"),
		[]byte("Name║Price\nAda║12.50\nBob║7.25\n"), 0o644))

	doc := `
logging:
  level: error
instances:
  - id: src
    adapter: CSV
    role: Source
    interface: prices
    locator: src/incoming
    polling: fast
    csv:
      root: ` + root + `
  - id: dst
    adapter: CSV
    role: Destination
    interface: prices
    locator: dst/outgoing
    polling: fast
    csv:
      root: ` + root + `
  - id: audit
    adapter: SAP
    role: Source
    interface: audit
    locator: MATMAS
    enabled: false
    sap:
      idoc_type: MATMAS05
`
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path, root
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := execute(t, "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "configuration is valid: 3 instances")
	assert.Contains(t, out, "prices: 1 sources, 1 destinations")
	assert.Contains(t, out, "audit: 1 sources, 0 destinations")
	assert.Contains(t, out, "warning: no destination")

	_, err = execute(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to load config")
}

func TestSchemaCommand(t *testing.T) {
	path, root := writeConfig(t)

	out, err := execute(t, "schema", "--config", path, "--instance", "src")
	require.NoError(t, err)
	assert.Contains(t, out, "Price")
	assert.Contains(t, out, "decimal(4,2)")
	assert.Contains(t, out, "string(3)")

	out, err = execute(t, "schema", "-c", path, "-i", "src", "--dialect", "postgres", "--ensure", "dst")
	require.NoError(t, err)
	assert.Contains(t, out, "NUMERIC(4,2)")
	assert.Contains(t, out, "VARCHAR(3)")
	assert.Contains(t, out, "dst/outgoing is ready for 2 columns")
	assert.DirExists(t, filepath.Join(root, "dst", "outgoing"))

	_, err = execute(t, "schema", "-c", path, "-i", "src", "--ensure", "audit")
	assert.ErrorContains(t, err, `instance "audit" is not a destination`)

	_, err = execute(t, "schema", "-c", path, "-i", "nope")
	assert.ErrorContains(t, err, `instance "nope" is not configured`)

	_, err = execute(t, "schema", "-c", path)
	assert.Error(t, err, "--instance is required")
}

func TestPrintSchemaRejectsUnknownDialect(t *testing.T) {
	var out bytes.Buffer
	err := printSchema(&out, relay.Schema{"A": {Kind: relay.KindInteger}}, "oracle")
	assert.ErrorContains(t, err, `unknown dialect "oracle"`)

	require.NoError(t, printSchema(&out, relay.Schema{"A": {Kind: relay.KindInteger, Nullable: true}}, "mysql"))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"A", "BIGINT", "true"}, strings.Fields(lines[1]))
}

func TestLeasesCommand(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := execute(t, "leases", "--config", path, "--cleanup")
	require.NoError(t, err)
	assert.Contains(t, out, "removed 0 terminal locks")
	assert.Contains(t, out, "MESSAGE")
}

func TestRunMovesRecordsUntilCancelled(t *testing.T) {
	path, root := writeConfig(t)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))) }()

	outgoing := filepath.Join(root, "dst", "outgoing")
	require.Eventually(t, func() bool {
		files, err := os.ReadDir(outgoing)
		return err == nil && len(files) == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.FileExists(t, filepath.Join(root, "src", "processed", "prices.csv"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}
