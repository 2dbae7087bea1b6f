// Package transport wraps local Unix-domain sockets that carry a byte payload
// plus zero or more file descriptors in a single atomic send or receive.
//
// Two endpoint flavours exist: a bound SOCK_DGRAM rendezvous endpoint that
// anonymous clients address by name, and SOCK_SEQPACKET connected pairs that
// become private per-client channels. Every receive is non-blocking; callers
// decide their own polling cadence. Truncated datagrams are reported through
// Datagram.Truncated and any descriptors that did arrive are still returned
// so the caller can close them.
package transport
