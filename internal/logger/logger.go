// Package logger builds the process-wide slog.Logger.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"
)

const (
	defaultFormat = "text"
	defaultLevel  = "info"
)

// Config selects the output format and minimum level.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// New returns a logger writing to stderr. RELAY_LOG_LEVEL and
// RELAY_LOG_FORMAT override the configured values.
func New(cfg Config) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

func newWithWriter(cfg Config, writer io.Writer) (*slog.Logger, error) {
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if value := strings.TrimSpace(os.Getenv("RELAY_LOG_FORMAT")); value != "" {
		format = strings.ToLower(value)
	}
	if format == "" {
		format = defaultFormat
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var h slog.Handler
	switch format {
	case "text":
		h = charmLog.NewWithOptions(writer, charmLog.Options{
			Level:           charmLevel(level),
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
			Formatter:       charmLog.TextFormatter,
		})
	case "json":
		h = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	return slog.New(Safe(h, os.Stderr)), nil
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

func parseLevel(input string) (slog.Level, error) {
	levelText := strings.ToLower(strings.TrimSpace(input))
	if value := strings.TrimSpace(os.Getenv("RELAY_LOG_LEVEL")); value != "" {
		levelText = strings.ToLower(value)
	}
	if levelText == "" {
		levelText = defaultLevel
	}

	switch levelText {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", levelText)
	}
}

// Safe wraps h so that an error or panic while handling a record is written
// as a single line to fallback and never reaches the caller.
func Safe(h slog.Handler, fallback io.Writer) slog.Handler {
	if fallback == nil {
		fallback = io.Discard
	}
	return &safeHandler{next: h, fallback: fallback, mu: &sync.Mutex{}}
}

type safeHandler struct {
	next     slog.Handler
	fallback io.Writer
	mu       *sync.Mutex
}

func (h *safeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *safeHandler) Handle(ctx context.Context, record slog.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.report(record, fmt.Errorf("panic: %v", r))
		}
		err = nil
	}()
	if herr := h.next.Handle(ctx, record); herr != nil {
		h.report(record, herr)
	}
	return nil
}

func (h *safeHandler) report(record slog.Record, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, _ = fmt.Fprintf(h.fallback, "logger: dropped %q: %v\n", record.Message, cause)
}

func (h *safeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &safeHandler{next: h.next.WithAttrs(attrs), fallback: h.fallback, mu: h.mu}
}

func (h *safeHandler) WithGroup(name string) slog.Handler {
	return &safeHandler{next: h.next.WithGroup(name), fallback: h.fallback, mu: h.mu}
}
