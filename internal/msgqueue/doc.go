// Package msgqueue is the host side of the shared-memory message queue.
//
// A Queue binds a well-known rendezvous endpoint, turns each valid HELLO
// into a private channel, and serves shared-memory and texture-update
// requests on those channels. It starts no goroutines: the host calls
// CheckForNewMessages from its own loop, and every call makes one
// non-blocking pass that handles at most one datagram per endpoint.
//
// Every failure inside a request becomes a false or -1 response on the
// requesting channel. Only a bind failure in Initialize and a failure of
// the rendezvous endpoint itself are returned to the host.
package msgqueue
