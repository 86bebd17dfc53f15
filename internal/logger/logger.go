// Package logger is the daemon's structured logging layer, backed by
// log/slog. It keeps one process-wide logger: a color-aware text handler
// when writing to a terminal, JSON when asked for it, plus a per-subsystem
// debug gate driven by the --debug CLI flag.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-isatty"
)

// Level is the daemon's log level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	}
	return "UNKNOWN"
}

var (
	level  atomic.Int32
	format atomic.Value // "text" or "json"

	mu    sync.RWMutex
	dst   io.Writer = os.Stderr
	color bool
	root  *slog.Logger
)

func init() {
	level.Store(int32(LevelInfo))
	format.Store("text")
	if f, ok := dst.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd())
	}
	rebuild()
}

// rebuild swaps in a new handler reflecting the current level, format,
// and destination. Callers must not hold mu.
func rebuild() {
	mu.Lock()
	defer mu.Unlock()

	// Level filtering happens in this package's front-end functions (so
	// DebugSub can punch through the global level for an enabled
	// subsystem); the handler itself accepts everything it is handed.
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}

	var h slog.Handler
	if f, _ := format.Load().(string); f == "json" {
		h = slog.NewJSONHandler(dst, opts)
	} else {
		h = newTextHandler(dst, opts, color)
	}
	root = slog.New(h)
}

// SetOutput redirects all logging to w. Color is disabled unless w is a
// terminal. Used by tests and by --foreground startup.
func SetOutput(w io.Writer) {
	mu.Lock()
	dst = w
	color = false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd())
	}
	mu.Unlock()
	rebuild()
}

// SetLevel sets the minimum level. Unknown names are ignored.
func SetLevel(name string) {
	switch strings.ToUpper(name) {
	case "DEBUG":
		level.Store(int32(LevelDebug))
	case "INFO":
		level.Store(int32(LevelInfo))
	case "WARN":
		level.Store(int32(LevelWarn))
	case "ERROR":
		level.Store(int32(LevelError))
	default:
		return
	}
	rebuild()
}

// SetFormat selects "text" or "json" output. Unknown names are ignored.
func SetFormat(name string) {
	name = strings.ToLower(name)
	if name != "text" && name != "json" {
		return
	}
	format.Store(name)
	rebuild()
}

func get() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Debug logs at debug level: Debug("msg", "key", value, ...).
func Debug(msg string, args ...any) {
	if Level(level.Load()) > LevelDebug {
		return
	}
	get().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if Level(level.Load()) > LevelInfo {
		return
	}
	get().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	if Level(level.Load()) > LevelWarn {
		return
	}
	get().Warn(msg, args...)
}

// Error logs at error level. Never filtered.
func Error(msg string, args ...any) {
	get().Error(msg, args...)
}

// DebugCtx, InfoCtx, WarnCtx, and ErrorCtx log with the LogContext fields
// (trace_id, command, xid) from ctx prepended, when one is present.

func DebugCtx(ctx context.Context, msg string, args ...any) {
	if Level(level.Load()) > LevelDebug {
		return
	}
	get().Debug(msg, withCtxFields(ctx, args)...)
}

func InfoCtx(ctx context.Context, msg string, args ...any) {
	if Level(level.Load()) > LevelInfo {
		return
	}
	get().Info(msg, withCtxFields(ctx, args)...)
}

func WarnCtx(ctx context.Context, msg string, args ...any) {
	if Level(level.Load()) > LevelWarn {
		return
	}
	get().Warn(msg, withCtxFields(ctx, args)...)
}

func ErrorCtx(ctx context.Context, msg string, args ...any) {
	get().Error(msg, withCtxFields(ctx, args)...)
}

func withCtxFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}
	out := make([]any, 0, 6+len(args))
	if lc.TraceID != "" {
		out = append(out, KeyTraceID, lc.TraceID)
	}
	if lc.Command != "" {
		out = append(out, KeyCommand, lc.Command)
	}
	if lc.XID != 0 {
		out = append(out, KeyXID, lc.XID)
	}
	return append(out, args...)
}

// Subsystem debug gating (--debug <kind>).

var (
	subsMu sync.RWMutex
	subs   map[string]bool
)

// SetDebugSubsystems enables DEBUG logging for the named subsystems
// ("store", "upcall", "dispatch", "epoch", "watch"; "all" enables every
// one) even when the global level is above DEBUG.
func SetDebugSubsystems(kinds ...string) {
	subsMu.Lock()
	defer subsMu.Unlock()
	subs = make(map[string]bool, len(kinds))
	for _, k := range kinds {
		subs[strings.ToLower(k)] = true
	}
}

func subsystemEnabled(name string) bool {
	subsMu.RLock()
	defer subsMu.RUnlock()
	return subs != nil && (subs["all"] || subs[name])
}

// DebugSub logs at debug level when either the global level permits DEBUG
// or the subsystem was enabled via SetDebugSubsystems.
func DebugSub(subsystem, msg string, args ...any) {
	if Level(level.Load()) > LevelDebug && !subsystemEnabled(subsystem) {
		return
	}
	get().Debug(msg, args...)
}
