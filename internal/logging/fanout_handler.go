package logging

import (
	"context"
	"errors"
	"log/slog"
	"slices"
)

// fanoutHandler delivers each record to every handler enabled for its
// level. Diagnostic mode uses it to copy daemon output into the debug log.
type fanoutHandler []slog.Handler

func newFanoutHandler(handlers ...slog.Handler) slog.Handler {
	live := slices.DeleteFunc(slices.Clone(handlers), func(h slog.Handler) bool { return h == nil })
	switch len(live) {
	case 0:
		return NoopHandler{}
	case 1:
		return live[0]
	default:
		return fanoutHandler(live)
	}
}

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return slices.ContainsFunc(h, func(next slog.Handler) bool { return next.Enabled(ctx, level) })
}

func (h fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, next := range h {
		if next.Enabled(ctx, record.Level) {
			errs = append(errs, next.Handle(ctx, record.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.each(func(next slog.Handler) slog.Handler { return next.WithAttrs(attrs) })
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	return h.each(func(next slog.Handler) slog.Handler { return next.WithGroup(name) })
}

func (h fanoutHandler) each(fn func(slog.Handler) slog.Handler) fanoutHandler {
	out := make(fanoutHandler, len(h))
	for i, next := range h {
		out[i] = fn(next)
	}
	return out
}

// TeeLogger returns a logger writing to base's handler and to every extra
// handler.
func TeeLogger(base *slog.Logger, handlers ...slog.Handler) *slog.Logger {
	if base != nil {
		handlers = append([]slog.Handler{base.Handler()}, handlers...)
	}
	return slog.New(newFanoutHandler(handlers...))
}
