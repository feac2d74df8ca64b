package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// New returns a production-friendly structured logger writing to stdout.
// No business logic should depend on logging implementation details.
func New(appEnv string) *slog.Logger {
	return NewTo(os.Stdout, appEnv)
}

// NewTo builds the logger on w. Local runs get readable text output; every
// other environment gets JSON.
func NewTo(w io.Writer, appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if appEnv == "local" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("env", appEnv)
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets the logger stored by With, or fallback. A nil fallback means
// slog.Default().
func From(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// ForConnection scopes l to one signaling connection.
func ForConnection(l *slog.Logger, connID, role, identity string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("conn_id", connID, "role", role, "identity", identity)
}

// ForSession scopes l to one call session.
func ForSession(l *slog.Logger, sessionID string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("session_id", sessionID)
}
