// Package channels owns the table of private per-client channels.
//
// A channel is created only after a structurally valid HELLO has been
// decoded, bound to the descriptor the client transferred with it. The
// manager hands out monotonically increasing ids that are never reused,
// remembers which segment ids each channel owns, and applies the configured
// release callback when a channel closes.
package channels
