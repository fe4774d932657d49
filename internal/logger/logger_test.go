package logger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriterJSON(t *testing.T) {
	t.Setenv("RELAY_LOG_FORMAT", "")
	t.Setenv("RELAY_LOG_LEVEL", "")

	var buf bytes.Buffer
	log, err := newWithWriter(Config{Format: "json", Level: "warn"}, &buf)
	require.NoError(t, err)

	log.Info("hidden")
	log.Warn("lock expired", "transport_message_id", "m-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"lock expired"`)
	assert.Contains(t, out, `"transport_message_id":"m-1"`)
}

func TestNewWithWriterText(t *testing.T) {
	t.Setenv("RELAY_LOG_FORMAT", "")
	t.Setenv("RELAY_LOG_LEVEL", "debug")

	var buf bytes.Buffer
	log, err := newWithWriter(Config{Format: "text", Level: "error"}, &buf)
	require.NoError(t, err)

	log.Debug("polling", "instance", "csv-in")
	assert.Contains(t, buf.String(), "polling")
}

func TestNewWithWriterEnvFormat(t *testing.T) {
	t.Setenv("RELAY_LOG_FORMAT", "json")
	t.Setenv("RELAY_LOG_LEVEL", "")

	var buf bytes.Buffer
	log, err := newWithWriter(Config{Format: "text"}, &buf)
	require.NoError(t, err)

	log.Info("started")
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
}

func TestNewWithWriterRejectsUnknown(t *testing.T) {
	t.Setenv("RELAY_LOG_FORMAT", "")
	t.Setenv("RELAY_LOG_LEVEL", "")

	_, err := newWithWriter(Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = newWithWriter(Config{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)
}

type brokenHandler struct {
	panics bool
}

func (brokenHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h brokenHandler) Handle(context.Context, slog.Record) error {
	if h.panics {
		panic("sink closed")
	}
	return errors.New("disk full")
}

func (h brokenHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h brokenHandler) WithGroup(string) slog.Handler      { return h }

func TestSafeDowngradesFailures(t *testing.T) {
	for _, panics := range []bool{false, true} {
		var fallback bytes.Buffer
		log := slog.New(Safe(brokenHandler{panics: panics}, &fallback))

		assert.NotPanics(t, func() {
			log.With("adapter", "CSV").Error("write failed")
		})
		assert.Contains(t, fallback.String(), `dropped "write failed"`)
	}
}
