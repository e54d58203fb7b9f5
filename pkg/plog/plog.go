// Package plog is the process wide logger. It wraps log/slog with a NOTICE level
// for per-file chatter, routes console output by level and can tee every record
// into a log file.
package plog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// Log levels. Notice sits between Debug and Info and is used for per-item
// progress lines (ADD, PUBLISH, DELETE) that are too noisy for Info.
const (
	LevelDebug  = slog.LevelDebug
	LevelNotice = slog.Level(-2)
	LevelInfo   = slog.LevelInfo
	LevelWarn   = slog.LevelWarn
	LevelError  = slog.LevelError
)

// LevelDispatchHandler is a slog.Handler that writes log records to different
// handlers based on the record's level. INFO and below go to one handler,
// while WARNING and above go to another.
type LevelDispatchHandler struct {
	stdoutHandler slog.Handler
	stderrHandler slog.Handler
}

// Enabled checks if the level is enabled for either of the underlying handlers.
func (h *LevelDispatchHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.stdoutHandler.Enabled(ctx, level) || h.stderrHandler.Enabled(ctx, level)
}

// Handle dispatches the record to the appropriate handler.
func (h *LevelDispatchHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderrHandler.Handle(ctx, r)
	}
	return h.stdoutHandler.Handle(ctx, r)
}

// WithAttrs returns a new LevelDispatchHandler with the given attributes added.
func (h *LevelDispatchHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithAttrs(attrs),
		stderrHandler: h.stderrHandler.WithAttrs(attrs),
	}
}

// WithGroup returns a new LevelDispatchHandler with the given group.
func (h *LevelDispatchHandler) WithGroup(name string) slog.Handler {
	return &LevelDispatchHandler{
		stdoutHandler: h.stdoutHandler.WithGroup(name),
		stderrHandler: h.stderrHandler.WithGroup(name),
	}
}

// teeHandler forwards every record to all handlers that accept its level.
type teeHandler struct {
	handlers []slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, r.Level) {
			errs = append(errs, hh.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}
	return &teeHandler{handlers: next}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}
	return &teeHandler{handlers: next}
}

var (
	level         = new(slog.LevelVar)
	quietMode     atomic.Bool // Use an atomic bool for safe concurrent reads.
	defaultLogger atomic.Pointer[slog.Logger]

	// consoleHandler is the handler records go to besides any file outputs.
	mu             sync.Mutex
	consoleHandler slog.Handler
	fileHandlers   []slog.Handler
)

// replaceLevel renders the custom NOTICE level by name in text output.
func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey && len(groups) == 0 {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelNotice {
			a.Value = slog.StringValue("NOTICE")
		}
	}
	return a
}

func newTextHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: replaceLevel})
}

// newConsoleLogger builds a charmbracelet handler with a style for the NOTICE level.
func newConsoleLogger(w io.Writer, minLevel log.Level) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		Level:           minLevel,
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05",
	})
	styles := log.DefaultStyles()
	styles.Levels[log.Level(LevelNotice)] = lipgloss.NewStyle().
		SetString("NOTI").
		Bold(true).
		MaxWidth(4).
		Foreground(lipgloss.Color("44"))
	l.SetStyles(styles)
	return l
}

// gate applies the global level to handlers that do not know about it.
type gate struct {
	slog.Handler
}

func (g gate) Enabled(ctx context.Context, l slog.Level) bool {
	return l >= level.Level() && g.Handler.Enabled(ctx, l)
}

func (g gate) WithAttrs(attrs []slog.Attr) slog.Handler {
	return gate{g.Handler.WithAttrs(attrs)}
}

func (g gate) WithGroup(name string) slog.Handler {
	return gate{g.Handler.WithGroup(name)}
}

func rebuild() {
	handlers := append([]slog.Handler{consoleHandler}, fileHandlers...)
	defaultLogger.Store(slog.New(&teeHandler{handlers: handlers}))
}

func init() {
	level.Set(LevelInfo)
	consoleHandler = gate{&LevelDispatchHandler{
		stdoutHandler: newConsoleLogger(os.Stdout, log.DebugLevel),
		stderrHandler: newConsoleLogger(os.Stderr, log.WarnLevel),
	}}
	rebuild()
}

// SetOutput allows redirecting the logger's output, primarily for testing.
// All levels go to w as slog text and any file outputs are dropped.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	// When redirecting output for tests, ensure quiet mode is off
	// so that all levels are written to the provided writer.
	quietMode.Store(false)
	consoleHandler = newTextHandler(w)
	fileHandlers = nil
	rebuild()
}

// AddFileOutput appends every record at or above the current level to the file at
// path, creating parent directories as needed. The returned func closes the file
// and detaches it from the logger.
func AddFileOutput(path string) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	h := newTextHandler(f)

	mu.Lock()
	fileHandlers = append(fileHandlers, h)
	rebuild()
	mu.Unlock()

	return func() error {
		mu.Lock()
		for i, fh := range fileHandlers {
			if fh == h {
				fileHandlers = append(fileHandlers[:i], fileHandlers[i+1:]...)
				break
			}
		}
		rebuild()
		mu.Unlock()
		return f.Close()
	}, nil
}

// SetLevel sets the minimum level for all outputs.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// LevelFromString maps a config or flag value to a level, defaulting to Info.
func LevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "notice":
		return LevelNotice
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetQuiet enables or disables quiet mode for the global logger.
// In quiet mode, INFO level logs are suppressed.
func SetQuiet(quiet bool) {
	quietMode.Store(quiet)
}

// IsQuiet returns true if the global logger is in quiet mode.
func IsQuiet() bool {
	return quietMode.Load()
}

func logAt(l slog.Level, msg string, args ...any) {
	defaultLogger.Load().Log(context.Background(), l, msg, args...)
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	logAt(LevelDebug, msg, args...)
}

// Notice logs a per-item progress message.
func Notice(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	logAt(LevelNotice, msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	if quietMode.Load() {
		return
	}
	logAt(LevelInfo, msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	logAt(LevelWarn, msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	logAt(LevelError, msg, args...)
}
