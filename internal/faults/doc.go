// Package faults defines the error taxonomy shared by the queue core.
//
// Every failure the dispatcher can observe is tagged with one of the
// sentinel markers below so it can be turned into a protocol-level
// negative response, counted by kind, and logged with a stable label.
// Wrap errors with Wrap rather than inventing new sentinels so callers can
// keep using errors.Is against this small, fixed set.
package faults
