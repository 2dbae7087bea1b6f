package logging

import (
	"context"
	"log/slog"
	"strings"
)

type correlationKey struct{}

// ContextWithCorrelationID tags ctx so loggers derived through WithContext
// carry the identifier.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the identifier stored in ctx, if any.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// WithContext returns logger enriched with the correlation ID found in ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	if id := CorrelationID(ctx); id != "" {
		return logger.With(String(FieldCorrelationID, id))
	}
	return logger
}
