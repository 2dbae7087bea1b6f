// Package protocol is the bit-exact wire codec for queue messages.
//
// Every datagram starts with a little-endian uint32 discriminant followed by
// a fixed-width, unpadded argument list whose size depends on the kind.
// Decode checks the exact payload length and the number of transferred
// descriptors before it reads a single field, so untrusted bytes are never
// interpreted as the wrong kind.
package protocol
