// Package daemon coordinates the long-running shmq host process.
//
// It wires configuration, the texture store and the message queue into a
// single lifecycle with flock-based locking so only one daemon serves a
// runtime directory. Start binds a fresh rendezvous endpoint and runs the
// drain loop on its own goroutine; Stop closes every channel and segment.
//
// Keep protocol handling in msgqueue. The daemon only schedules drain passes
// and reports what the queue holds.
package daemon
