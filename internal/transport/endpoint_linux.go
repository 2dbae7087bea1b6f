package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"shmq/internal/faults"
)

// Endpoint is one end of a local socket.
type Endpoint struct {
	mu      sync.RWMutex
	fd      int
	kind    Kind
	address string
	unlink  bool
	closed  bool
}

// Bind creates a non-blocking datagram endpoint bound to address. Addresses
// starting with '@' live in the abstract namespace; anything else is a
// filesystem path, and a stale socket file at that path is removed first.
func Bind(address string) (*Endpoint, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, faults.Wrap(faults.ErrTransport, "transport", "bind", "address is empty", nil)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, faults.Wrap(faults.ErrTransport, "transport", "bind", "socket", err)
	}
	unlink := !IsAbstract(address)
	if unlink {
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			_ = unix.Close(fd)
			return nil, faults.Wrap(faults.ErrTransport, "transport", "bind", "remove stale socket", err)
		}
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: address}); err != nil {
		_ = unix.Close(fd)
		return nil, faults.Wrap(faults.ErrTransport, "transport", "bind", address, err)
	}
	return &Endpoint{fd: fd, kind: KindDatagram, address: address, unlink: unlink}, nil
}

// NewDatagram creates an unbound, non-blocking datagram endpoint suitable for
// SendTo.
func NewDatagram() (*Endpoint, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, faults.Wrap(faults.ErrTransport, "transport", "socket", "", err)
	}
	return &Endpoint{fd: fd, kind: KindDatagram}, nil
}

// CreateConnectedPair returns both ends of a fresh SOCK_SEQPACKET pair.
func CreateConnectedPair() (*Endpoint, *Endpoint, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, faults.Wrap(faults.ErrTransport, "transport", "socketpair", "", err)
	}
	return &Endpoint{fd: fds[0], kind: KindSeqPacket}, &Endpoint{fd: fds[1], kind: KindSeqPacket}, nil
}

// FromFD adopts a descriptor received from a peer. Only connected
// SOCK_SEQPACKET Unix sockets are accepted; on failure fd is left open for
// the caller to close.
func FromFD(fd int) (*Endpoint, error) {
	if fd < 0 {
		return nil, faults.Wrap(faults.ErrInvalidHandle, "transport", "adopt", "negative descriptor", nil)
	}
	domain, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err != nil {
		return nil, faults.Wrap(faults.ErrInvalidHandle, "transport", "adopt", "not a socket", err)
	}
	if domain != unix.AF_UNIX {
		return nil, faults.Wrap(faults.ErrInvalidHandle, "transport", "adopt", fmt.Sprintf("socket domain %d", domain), nil)
	}
	sotype, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return nil, faults.Wrap(faults.ErrInvalidHandle, "transport", "adopt", "socket type", err)
	}
	if sotype != unix.SOCK_SEQPACKET {
		return nil, faults.Wrap(faults.ErrInvalidHandle, "transport", "adopt", fmt.Sprintf("socket type %d", sotype), nil)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, faults.Wrap(faults.ErrInvalidHandle, "transport", "adopt", "set non-blocking", err)
	}
	return &Endpoint{fd: fd, kind: KindSeqPacket}, nil
}

// Address returns the bound address, or "" for unbound endpoints.
func (e *Endpoint) Address() string {
	return e.address
}

// Kind returns the socket flavour.
func (e *Endpoint) Kind() Kind {
	return e.kind
}

// FD exposes the descriptor so it can be transferred to a peer. The endpoint
// keeps ownership.
func (e *Endpoint) FD() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return -1
	}
	return e.fd
}

// Send writes one datagram on a connected endpoint.
func (e *Endpoint) Send(payload []byte, fds []int) (int, error) {
	return e.sendmsg(payload, fds, nil)
}

// SendTo writes one datagram to the endpoint bound at address.
func (e *Endpoint) SendTo(address string, payload []byte, fds []int) (int, error) {
	return e.sendmsg(payload, fds, &unix.SockaddrUnix{Name: address})
}

func (e *Endpoint) sendmsg(payload []byte, fds []int, to unix.Sockaddr) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, ErrClosed
	}
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	n, err := unix.SendmsgN(e.fd, payload, oob, to, unix.MSG_NOSIGNAL|unix.MSG_DONTWAIT)
	if err != nil {
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			return 0, ErrWouldBlock
		case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ENOTCONN):
			return 0, ErrClosed
		}
		return 0, faults.Wrap(faults.ErrTransport, "transport", "send", "", err)
	}
	if n != len(payload) {
		return n, faults.Wrap(faults.ErrTransport, "transport", "send", fmt.Sprintf("short write %d of %d bytes", n, len(payload)), nil)
	}
	return n, nil
}

// Receive reads at most one queued datagram without blocking. It returns
// ErrWouldBlock when nothing is queued and ErrClosed when a connected peer
// has hung up.
func (e *Endpoint) Receive(maxBytes, maxHandles int) (Datagram, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return Datagram{}, ErrClosed
	}
	if maxBytes <= 0 {
		maxBytes = 1
	}
	buf := make([]byte, maxBytes)
	// Always leave room for at least one descriptor so a surplus handle is
	// reported as control truncation instead of vanishing silently.
	oob := make([]byte, unix.CmsgSpace(max(maxHandles, 1)*4))
	n, oobn, flags, _, err := unix.Recvmsg(e.fd, buf, oob, unix.MSG_DONTWAIT|unix.MSG_CMSG_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return Datagram{}, ErrWouldBlock
		}
		if errors.Is(err, unix.ECONNRESET) {
			return Datagram{}, ErrClosed
		}
		return Datagram{}, faults.Wrap(faults.ErrTransport, "transport", "receive", "", err)
	}

	fds, parseErr := parseRights(oob[:oobn])
	if e.kind == KindSeqPacket && n == 0 && len(fds) == 0 {
		return Datagram{}, ErrClosed
	}
	dg := Datagram{
		Payload:   buf[:n],
		FDs:       fds,
		Truncated: flags&unix.MSG_TRUNC != 0 || flags&unix.MSG_CTRUNC != 0,
	}
	if parseErr != nil {
		dg.Truncated = true
	}
	if maxHandles >= 0 && len(fds) > maxHandles {
		dg.Truncated = true
	}
	return dg, nil
}

// Wait polls Receive at the given interval until a datagram arrives, the
// endpoint fails, or ctx is done.
func (e *Endpoint) Wait(ctx context.Context, interval time.Duration, maxBytes, maxHandles int) (Datagram, error) {
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		dg, err := e.Receive(maxBytes, maxHandles)
		if !errors.Is(err, ErrWouldBlock) {
			return dg, err
		}
		select {
		case <-ctx.Done():
			return Datagram{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close releases the socket. Filesystem rendezvous sockets are unlinked.
// Closing twice is a no-op.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	err := unix.Close(e.fd)
	e.fd = -1
	if e.unlink && e.address != "" {
		if rmErr := os.Remove(e.address); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	}
	return err
}

// CloseFDs closes every descriptor in fds, ignoring errors.
func CloseFDs(fds []int) {
	for _, fd := range fds {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
	}
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for i := range msgs {
		if msgs[i].Header.Level != unix.SOL_SOCKET || msgs[i].Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return fds, err
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}
