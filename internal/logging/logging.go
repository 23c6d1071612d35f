// Package logging wires slog for the service. Handlers and engines
// pull a request-scoped logger out of the context via L; the server
// middleware puts it there together with the request id.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type ctxKey int

const (
	keyRequestID ctxKey = iota
	keyLogger
)

// New builds the process logger. Unknown levels fall back to info;
// debug level also records source positions. Anything but "json"
// means the human-readable text handler.
func New(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// WithRequestID stamps the request id onto the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// WithLogger stores the logger on the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, keyLogger, logger)
}

// L returns the context's logger, tagged with the request id when one
// was stamped. Outside a request it falls back to slog.Default, so
// background sweeps and tests log without ceremony.
func L(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(keyLogger).(*slog.Logger)
	if !ok {
		logger = slog.Default()
	}
	if id, ok := ctx.Value(keyRequestID).(string); ok && id != "" {
		return logger.With("request_id", id)
	}
	return logger
}
