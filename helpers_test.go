package relay_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/erfanmomeniii/relay"
	"github.com/erfanmomeniii/relay/messagebox"
	"github.com/erfanmomeniii/relay/messagebox/memory"
)

type writeCall struct {
	Locator string
	Headers []string
	Records []map[string]string
}

// fakeConnector is an in-memory Connector recording every call.
type fakeConnector struct {
	mu sync.Mutex

	name     string
	canRead  bool
	canWrite bool

	headers []string
	rows    []map[string]string
	readErr error
	reads   int

	writeFn func(call writeCall) error
	writes  []writeCall

	commits   int
	commitErr error
	// consume empties rows on a successful CommitRead, like a file moved
	// out of the incoming folder.
	consume bool

	schema  relay.Schema
	ensured []relay.Schema
}

func newSourceConnector(headers []string, rows ...map[string]string) *fakeConnector {
	return &fakeConnector{name: "Fake", canRead: true, headers: headers, rows: rows}
}

func newDestinationConnector() *fakeConnector {
	return &fakeConnector{name: "Fake", canWrite: true}
}

func (f *fakeConnector) AdapterName() string  { return f.name }
func (f *fakeConnector) AdapterAlias() string { return "fake" }
func (f *fakeConnector) SupportsRead() bool   { return f.canRead }
func (f *fakeConnector) SupportsWrite() bool  { return f.canWrite }

func (f *fakeConnector) Read(ctx context.Context, locator string) ([]string, []map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return nil, nil, f.readErr
	}
	return f.headers, f.rows, nil
}

func (f *fakeConnector) Write(ctx context.Context, locator string, headers []string, records []map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := writeCall{Locator: locator, Headers: headers, Records: records}
	if f.writeFn != nil {
		if err := f.writeFn(call); err != nil {
			var rowErrs *relay.RowErrors
			if errors.As(err, &rowErrs) {
				f.writes = append(f.writes, call)
			}
			return err
		}
	}
	f.writes = append(f.writes, call)
	return nil
}

func (f *fakeConnector) CommitRead(ctx context.Context, locator string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	if f.commitErr == nil && f.consume {
		f.rows = nil
	}
	return f.commitErr
}

func (f *fakeConnector) GetSchema(ctx context.Context, target string) (relay.Schema, error) {
	return f.schema, nil
}

func (f *fakeConnector) EnsureDestinationStructure(ctx context.Context, destination string, schema relay.Schema) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, schema)
	return nil
}

func (f *fakeConnector) Writes() []writeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]writeCall(nil), f.writes...)
}

func (f *fakeConnector) WrittenValues(col string) []string {
	var out []string
	for _, w := range f.Writes() {
		for _, r := range w.Records {
			out = append(out, r[col])
		}
	}
	return out
}

func (f *fakeConnector) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeConnector) Commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

func sourceInstance(id, iface string) relay.Instance {
	return relay.Instance{
		ID:            id,
		AdapterName:   "Fake",
		Role:          relay.RoleSource,
		InterfaceName: iface,
		Name:          id,
		Enabled:       true,
		Locator:       "incoming",
	}
}

func destinationInstance(id, iface string) relay.Instance {
	return relay.Instance{
		ID:            id,
		AdapterName:   "Fake",
		Role:          relay.RoleDestination,
		InterfaceName: iface,
		Name:          id,
		Enabled:       true,
		Locator:       "dbo.Target",
	}
}

func newBox(t *testing.T, registry messagebox.Registry) *messagebox.Box {
	t.Helper()
	if registry == nil {
		registry = messagebox.StaticRegistry{}
	}
	return messagebox.New(memory.New(), registry)
}

func mustAdapter(t *testing.T, conn relay.Connector, inst relay.Instance, box *messagebox.Box, opts ...relay.AdapterOption) *relay.Adapter {
	t.Helper()
	a, err := relay.NewAdapter(conn, inst, box, opts...)
	if err != nil {
		t.Fatalf("NewAdapter(%s): %v", inst.ID, err)
	}
	return a
}

func row(kv ...string) map[string]string {
	r := make(map[string]string, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		r[kv[i]] = kv[i+1]
	}
	return r
}
