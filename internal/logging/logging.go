// Package logging builds the subsystem loggers used throughout lm, mirroring the
// internal/sql/audit/network split of the original lm.c logging facility on top of
// log/slog.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey struct{}

// NewLogger returns a base *slog.Logger at the given level ("debug", "info", "warn",
// "error"; anything else falls back to "info").
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}

// Subsystems groups the four per-area loggers cmd/lm's main wires up at startup,
// corresponding to SS_INT, SS_SQL, SS_AUD and SS_NET in the original implementation.
type Subsystems struct {
	Internal *slog.Logger
	SQL      *slog.Logger
	Audit    *slog.Logger
	Network  *slog.Logger
}

// NewSubsystems derives the four subsystem loggers from a single base logger.
func NewSubsystems(base *slog.Logger) Subsystems {
	return Subsystems{
		Internal: base.With("subsystem", "internal"),
		SQL:      base.With("subsystem", "sql"),
		Audit:    base.With("subsystem", "audit"),
		Network:  base.With("subsystem", "network"),
	}
}

// WithContext attaches a logger to ctx for retrieval via FromContext.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger attached to ctx, or slog.Default() if none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// FatalFunc is called by Fatal once a fatal condition has been logged; the protocol
// engine installs a FatalFunc that cancels its run loop's context, so its Run returns
// and the scheduler's shutdown proceeds in an orderly fashion rather than the process
// aborting mid-callback.
type FatalFunc func()

// Fatal logs msg at error level with fatal=true and invokes fn, which is expected to
// begin orderly shutdown. fn may be nil during tests.
func Fatal(logger *slog.Logger, fn FatalFunc, msg string, args ...any) {
	args = append(args, "fatal", true)
	logger.Error(msg, args...)
	if fn != nil {
		fn()
	}
}
