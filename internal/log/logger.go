package log

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
)

// DefaultKeep is how many log files Cleanup retains when keep <= 0.
const DefaultKeep = 20

// Options configures a Logger.
type Options struct {
	// Level is one of DEBUG, INFO, WARN, ERROR. Invalid values fall back to INFO.
	Level string
	// Folder receives a uniquely named <random>.log file. Empty disables the file sink.
	Folder string
	// Stdout mirrors records to this writer as text. Nil disables it.
	Stdout io.Writer
	// Disabled starts the logger muted until Enable is called.
	Disabled bool
}

// Logger is an explicitly passed logging handle. It replaces the process-wide
// default logger: callers create one at the entry point and thread it through
// constructors.
type Logger struct {
	*slog.Logger

	path    string
	folder  string
	file    *os.File
	enabled *atomic.Bool
}

// New builds a Logger. The returned handle must be closed by the caller.
func New(opts Options) (*Logger, error) {
	level := ParseLevel(opts.Level)
	hopts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	l := &Logger{enabled: &atomic.Bool{}}
	l.enabled.Store(!opts.Disabled)

	if opts.Folder != "" {
		if err := os.MkdirAll(opts.Folder, 0o755); err != nil {
			return nil, fmt.Errorf("create log folder: %w", err)
		}
		name, err := randomName()
		if err != nil {
			return nil, err
		}
		l.folder = opts.Folder
		l.path = filepath.Join(opts.Folder, name+".log")
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		l.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, hopts))
	}
	if opts.Stdout != nil {
		handlers = append(handlers, slog.NewTextHandler(opts.Stdout, hopts))
	}

	l.Logger = slog.New(&gateHandler{enabled: l.enabled, handlers: handlers})
	return l, nil
}

// Nop returns a Logger that discards everything. Useful in tests and as a
// fallback when no handle is passed.
func Nop() *Logger {
	enabled := &atomic.Bool{}
	return &Logger{
		Logger:  slog.New(&gateHandler{enabled: enabled}),
		enabled: enabled,
	}
}

// FromSlog wraps an existing slog.Logger (always enabled).
func FromSlog(sl *slog.Logger) *Logger {
	enabled := &atomic.Bool{}
	enabled.Store(true)
	return &Logger{
		Logger:  slog.New(&gateHandler{enabled: enabled, handlers: []slog.Handler{sl.Handler()}}),
		enabled: enabled,
	}
}

// ParseLevel maps a level name to slog.Level, defaulting to INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Path returns the log file path, or "" when no file sink is configured.
func (l *Logger) Path() string { return l.path }

// Enable turns logging on.
func (l *Logger) Enable() { l.enabled.Store(true) }

// Disable mutes all records until Enable is called.
func (l *Logger) Disable() { l.enabled.Store(false) }

// Enabled reports whether records are currently emitted.
func (l *Logger) Enabled() bool { return l.enabled.Load() }

// WithComponent returns a handle with the component field set.
func (l *Logger) WithComponent(name string) *Logger {
	return l.with(slog.String("component", name))
}

// WithProcess returns a handle with the process_id field set.
func (l *Logger) WithProcess(id string) *Logger {
	return l.with(slog.String("process_id", id))
}

// WithRun returns a handle with the run_id field set.
func (l *Logger) WithRun(id string) *Logger {
	return l.with(slog.String("run_id", id))
}

func (l *Logger) with(attrs ...any) *Logger {
	return &Logger{
		Logger:  l.Logger.With(attrs...),
		path:    l.path,
		folder:  l.folder,
		enabled: l.enabled,
	}
}

// Cleanup deletes the oldest *.log files in the log folder so that at most
// keep files remain. The current log file is never removed.
func (l *Logger) Cleanup(keep int) (int, error) {
	if l.folder == "" {
		return 0, nil
	}
	if keep <= 0 {
		keep = DefaultKeep
	}

	matches, err := filepath.Glob(filepath.Join(l.folder, "*.log"))
	if err != nil {
		return 0, fmt.Errorf("list log files: %w", err)
	}

	type entry struct {
		path string
		mod  int64
	}
	entries := make([]entry, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		entries = append(entries, entry{path: m, mod: info.ModTime().UnixNano()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mod > entries[j].mod })

	removed := 0
	for i, e := range entries {
		if i < keep || e.path == l.path {
			continue
		}
		if err := os.Remove(e.path); err != nil {
			return removed, fmt.Errorf("remove old log %q: %w", e.path, err)
		}
		removed++
	}
	return removed, nil
}

// Close flushes and closes the file sink.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func randomName() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate log file name: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// gateHandler fans records out to several handlers and drops everything while
// the shared enabled flag is false.
type gateHandler struct {
	enabled  *atomic.Bool
	handlers []slog.Handler
}

func (h *gateHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if !h.enabled.Load() {
		return false
	}
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *gateHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}
		if err := hh.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (h *gateHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}
	return &gateHandler{enabled: h.enabled, handlers: next}
}

func (h *gateHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}
	return &gateHandler{enabled: h.enabled, handlers: next}
}
