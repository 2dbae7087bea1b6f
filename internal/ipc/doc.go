// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships the
// matching client used by the CLI.
//
// It owns the control socket lifecycle and the request/response DTOs. The
// data plane never goes through here: clients talk to the queue over its
// rendezvous address, which Status reports.
package ipc
