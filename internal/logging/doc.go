// Package logging assembles structured slog loggers for shmq.
//
// It owns the console and JSON handlers, the level and output plumbing, the
// fan-out handler the daemon uses to tee into its log file, and per-component
// level overrides. Field name constants keep dispatch, channel and segment
// logs queryable with the same keys regardless of which package emits them.
//
// WarnWithContext and ErrorWithContext enforce that every warning carries an
// event type, a hint and an impact so operators can act on it without reading
// the source.
package logging
