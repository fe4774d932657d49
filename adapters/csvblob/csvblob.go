// Package csvblob is the CSV / Blob connector. It reads delimited files
// from an incoming folder and writes one delimited file per batch, on a
// local directory or an SFTP server.
//
// A source locator is the incoming folder, e.g. "{instance}/incoming".
// Consumed files move to the sibling "processed" folder once their rows
// are stored, and files that cannot be parsed move to "error".
package csvblob

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/erfanmomeniii/relay"
)

// DefaultSeparator is a glyph that does not occur in free text, so values
// with commas or semicolons need no quoting.
const DefaultSeparator = "║"

// Folder names below an instance root.
const (
	FolderIncoming  = "incoming"
	FolderProcessed = "processed"
	FolderError     = "error"
)

// RawHeader and FileHeader are the columns of RAW mode records.
const (
	RawHeader  = "RAW"
	FileHeader = "FileName"
)

// Config configures the connector.
type Config struct {
	// Separator is the field delimiter, a single character.
	// Default: DefaultSeparator.
	Separator string `yaml:"separator"`

	// FileMask selects the files read from the incoming folder.
	// Default: "*.csv".
	FileMask string `yaml:"file_mask"`

	// Raw reads every file as one record holding the whole text, and
	// writes the first column of every record as a line of text.
	Raw bool `yaml:"raw"`

	// SFTP switches the blob store to an SFTP server.
	SFTP *SFTPConfig `yaml:"sftp"`
}

// Connector implements relay.Connector on a BlobStore.
type Connector struct {
	store  BlobStore
	sep    rune
	mask   string
	raw    bool
	retry  relay.RetryPolicy
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	pending  map[string][]string
	lastName time.Time
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

// WithRetryPolicy retries store calls failing with transient errors.
func WithRetryPolicy(p relay.RetryPolicy) Option {
	return func(c *Connector) { c.retry = p }
}

// WithClock overrides time.Now for file names.
func WithClock(now func() time.Time) Option {
	return func(c *Connector) {
		if now != nil {
			c.now = now
		}
	}
}

// New returns a connector on store.
func New(store BlobStore, cfg Config, opts ...Option) (*Connector, error) {
	if store == nil {
		panic("csvblob: store cannot be nil")
	}
	sep := cfg.Separator
	if sep == "" {
		sep = DefaultSeparator
	}
	r, size := utf8.DecodeRuneInString(sep)
	if size != len(sep) || r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
		return nil, &relay.ConfigError{Adapter: Name, Err: fmt.Errorf("invalid separator %q", sep)}
	}
	mask := cfg.FileMask
	if mask == "" {
		mask = "*.csv"
	}
	if _, err := path.Match(mask, ""); err != nil {
		return nil, &relay.ConfigError{Adapter: Name, Err: fmt.Errorf("invalid file mask %q: %w", mask, err)}
	}

	c := &Connector{
		store:   store,
		sep:     r,
		mask:    mask,
		raw:     cfg.Raw,
		retry:   relay.RetryPolicy{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2, Jitter: 0.1},
		logger:  slog.Default(),
		now:     time.Now,
		pending: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("adapter", Name)
	return c, nil
}

// Name is the adapter name instances refer to.
const Name = "CSV"

func (c *Connector) AdapterName() string  { return Name }
func (c *Connector) AdapterAlias() string { return "CSV / Blob" }
func (c *Connector) SupportsRead() bool   { return true }
func (c *Connector) SupportsWrite() bool  { return true }

// Close closes the blob store.
func (c *Connector) Close() error { return c.store.Close() }

// Read parses the files of locator matching the mask, oldest name first.
// Files sharing the first file's header line are returned together; the
// others wait for the next read. Files that fail to parse are moved to the
// error folder.
func (c *Connector) Read(ctx context.Context, locator string) ([]string, []map[string]string, error) {
	names, err := relay.Retry(ctx, c.retry, func(ctx context.Context) ([]string, error) {
		return c.store.List(ctx, locator)
	}, nil)
	if err != nil {
		return nil, nil, err
	}

	var (
		headers []string
		records []map[string]string
		taken   []string
	)
	for _, name := range names {
		if ok, _ := path.Match(c.mask, name); !ok {
			continue
		}
		full := path.Join(locator, name)
		data, err := relay.Retry(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
			return c.store.Read(ctx, full)
		}, nil)
		if errors.Is(err, ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		var (
			h    []string
			rows []map[string]string
		)
		if c.raw {
			h = []string{FileHeader, RawHeader}
			rows = []map[string]string{{FileHeader: name, RawHeader: string(data)}}
		} else {
			h, rows, err = c.parse(data)
			if err != nil {
				c.logger.Error("failed to parse file, moving to error folder", "file", full, "error", err)
				c.moveTo(ctx, locator, name, FolderError)
				continue
			}
		}

		if headers == nil {
			headers = h
		} else if !sameHeaders(headers, h) {
			c.logger.Debug("file has different headers, deferred", "file", full)
			continue
		}
		records = append(records, rows...)
		taken = append(taken, name)
	}

	c.mu.Lock()
	c.pending[locator] = taken
	c.mu.Unlock()

	if len(taken) > 0 {
		c.logger.Info("files read", "locator", locator, "files", len(taken), "records", len(records))
	}
	return headers, records, nil
}

// CommitRead moves the files returned by the last Read of locator to the
// processed folder.
func (c *Connector) CommitRead(ctx context.Context, locator string) error {
	c.mu.Lock()
	taken := c.pending[locator]
	delete(c.pending, locator)
	c.mu.Unlock()

	var errs []error
	for _, name := range taken {
		if err := c.move(ctx, locator, name, FolderProcessed); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Connector) moveTo(ctx context.Context, locator, name, folder string) {
	if err := c.move(ctx, locator, name, folder); err != nil {
		c.logger.Error("failed to move file", "file", name, "folder", folder, "error", err)
	}
}

func (c *Connector) move(ctx context.Context, locator, name, folder string) error {
	from := path.Join(locator, name)
	to := path.Join(path.Dir(path.Clean(locator)), folder, name)
	return c.retry.Execute(ctx, func(ctx context.Context) error {
		return c.store.Move(ctx, from, to)
	}, nil)
}

func (c *Connector) parse(data []byte) ([]string, []map[string]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = c.sep
	r.LazyQuotes = true

	headers, err := r.Read()
	if err == io.EOF {
		return nil, nil, errors.New("empty file")
	}
	if err != nil {
		return nil, nil, err
	}
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
		if headers[i] == "" {
			return nil, nil, fmt.Errorf("header %d is empty", i+1)
		}
	}

	var records []map[string]string
	for {
		fields, err := r.Read()
		if err == io.EOF {
			return headers, records, nil
		}
		if err != nil {
			return nil, nil, err
		}
		rec := make(map[string]string, len(headers))
		for i, h := range headers {
			rec[h] = fields[i]
		}
		records = append(records, rec)
	}
}

func sameHeaders(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Write stores the records as one new file in the locator folder.
func (c *Connector) Write(ctx context.Context, locator string, headers []string, records []map[string]string) error {
	if len(records) == 0 {
		return nil
	}
	var (
		data []byte
		err  error
	)
	if c.raw {
		data = c.rawText(headers, records)
	} else {
		data, err = c.format(headers, records)
		if err != nil {
			return err
		}
	}

	name := path.Join(locator, c.fileName())
	err = c.retry.Execute(ctx, func(ctx context.Context) error {
		return c.store.Write(ctx, name, data)
	}, nil)
	if err != nil {
		return err
	}
	c.logger.Info("file written", "file", name, "records", len(records))
	return nil
}

func (c *Connector) rawText(headers []string, records []map[string]string) []byte {
	col := RawHeader
	if _, ok := records[0][RawHeader]; !ok && len(headers) > 0 {
		col = headers[0]
	}
	var buf bytes.Buffer
	for _, rec := range records {
		buf.WriteString(rec[col])
		if !strings.HasSuffix(rec[col], "\n") {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

func (c *Connector) format(headers []string, records []map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = c.sep
	if err := w.Write(headers); err != nil {
		return nil, err
	}
	row := make([]string, len(headers))
	for _, rec := range records {
		for i, h := range headers {
			row[i] = rec[h]
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// fileName returns transport-{yyyy}_{MM}_{dd}_{HH}_{mm}_{ss}_{fff}.csv.
// Names never repeat within a process: a clash moves the stamp forward by
// a millisecond.
func (c *Connector) fileName() string {
	c.mu.Lock()
	t := c.now().UTC().Truncate(time.Millisecond)
	if !t.After(c.lastName) {
		t = c.lastName.Add(time.Millisecond)
	}
	c.lastName = t
	c.mu.Unlock()
	return FileName(t)
}

// FileName formats the destination file name for t.
func FileName(t time.Time) string {
	return fmt.Sprintf("transport-%04d_%02d_%02d_%02d_%02d_%02d_%03d.csv",
		t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/int(time.Millisecond))
}

// GetSchema infers the column types of the files in target.
func (c *Connector) GetSchema(ctx context.Context, target string) (relay.Schema, error) {
	names, err := c.store.List(ctx, target)
	if err != nil {
		return nil, err
	}
	var (
		headers []string
		records []map[string]string
	)
	for _, name := range names {
		if ok, _ := path.Match(c.mask, name); !ok {
			continue
		}
		data, err := c.store.Read(ctx, path.Join(target, name))
		if err != nil {
			return nil, err
		}
		h, rows, err := c.parse(data)
		if err != nil {
			continue
		}
		if headers == nil {
			headers = h
		}
		records = append(records, rows...)
	}
	return relay.InferSchema(headers, records), nil
}

// EnsureDestinationStructure creates the destination folder. Files carry
// no column types, so schema is not used.
func (c *Connector) EnsureDestinationStructure(ctx context.Context, destination string, _ relay.Schema) error {
	return c.store.MkdirAll(ctx, destination)
}

var (
	_ relay.Connector     = (*Connector)(nil)
	_ relay.ReadCommitter = (*Connector)(nil)
)

// Open returns a connector on the SFTP server of cfg, or on the local
// directory root when cfg has no SFTP section.
func Open(cfg Config, root string, opts ...Option) (*Connector, error) {
	var store BlobStore
	if cfg.SFTP != nil {
		s, err := NewSFTPStore(*cfg.SFTP, nil)
		if err != nil {
			return nil, &relay.ConfigError{Adapter: Name, Err: err}
		}
		store = s
	} else {
		if root == "" {
			return nil, &relay.ConfigError{Adapter: Name, Err: errors.New("blob root directory is required")}
		}
		store = NewFSStore(root)
	}
	return New(store, cfg, opts...)
}
