package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds dispatch-iteration-scoped logging context: one value per
// upcall request/reply round trip (or per recovery-iteration burst).
type LogContext struct {
	TraceID   string // correlation id for this dispatch-loop iteration
	Command   string // upcall command name
	XID       uint64 // upcall transaction id
	StartTime time.Time
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for one dispatch iteration.
func NewLogContext(traceID string) *LogContext {
	return &LogContext{
		TraceID:   traceID,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	return &LogContext{
		TraceID:   lc.TraceID,
		Command:   lc.Command,
		XID:       lc.XID,
		StartTime: lc.StartTime,
	}
}

// WithCommand returns a copy with the command and xid set.
func (lc *LogContext) WithCommand(command string, xid uint64) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Command = command
		clone.XID = xid
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
