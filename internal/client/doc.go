// Package client speaks the queue protocol from the client side.
//
// Dial performs the handshake: it creates a seqpacket pair, sends one end to
// the host's rendezvous address inside a HELLO and waits for the boolean
// acknowledgement on the end it kept. Every request after that is strictly
// synchronous; a mutex keeps a single request in flight per Client because
// the wire format carries no correlation id.
package client
