package transport

import (
	"errors"

	"shmq/internal/faults"
)

// Kind distinguishes the socket flavour behind an Endpoint.
type Kind int

const (
	// KindDatagram is an unconnected SOCK_DGRAM socket.
	KindDatagram Kind = iota
	// KindSeqPacket is a connected SOCK_SEQPACKET socket.
	KindSeqPacket
)

func (k Kind) String() string {
	switch k {
	case KindDatagram:
		return "dgram"
	case KindSeqPacket:
		return "seqpacket"
	default:
		return "unknown"
	}
}

var (
	// ErrWouldBlock reports that no datagram is queued (or the send buffer is full).
	ErrWouldBlock = errors.New("transport: would block")
	// ErrClosed reports that the endpoint or its peer is gone.
	ErrClosed = faults.Wrap(faults.ErrTransport, "transport", "", "endpoint closed", nil)
)

// Datagram is one received message.
type Datagram struct {
	Payload []byte
	// FDs holds every descriptor that arrived, including the ones that came
	// with a truncated datagram. Ownership passes to the caller.
	FDs       []int
	Truncated bool
}

// IsAbstract reports whether address names the Linux abstract namespace.
func IsAbstract(address string) bool {
	return len(address) > 0 && address[0] == '@'
}
