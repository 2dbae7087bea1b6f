package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"shmq/internal/faults"
	"shmq/internal/logging"
	"shmq/internal/protocol"
	"shmq/internal/shmem"
	"shmq/internal/transport"
)

var (
	// ErrRejected reports a false or -1 response from the host.
	ErrRejected = errors.New("request rejected by host")
	// ErrRefused reports a handshake answered with false.
	ErrRefused = errors.New("connection refused by host")
)

// Default timings.
const (
	DefaultTimeout      = 5 * time.Second
	DefaultPollInterval = time.Millisecond
)

// Options tune a Client.
type Options struct {
	// Timeout bounds each request whose context has no deadline.
	Timeout      time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Client is one private channel to a host.
type Client struct {
	opts    Options
	address string
	logger  *slog.Logger

	mu     sync.Mutex
	ep     *transport.Endpoint
	closed bool
}

// Dial connects to the rendezvous endpoint at address.
func Dial(ctx context.Context, address string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	ctx, cancel := withTimeout(ctx, opts.Timeout)
	defer cancel()

	theirs, mine, err := transport.CreateConnectedPair()
	if err != nil {
		return nil, err
	}
	c := &Client{
		opts:    opts,
		address: address,
		logger:  logging.NewComponentLogger(opts.Logger, "client"),
		ep:      mine,
	}
	if err := c.handshake(ctx, theirs); err != nil {
		_ = theirs.Close()
		_ = mine.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(ctx context.Context, theirs *transport.Endpoint) error {
	hello, err := protocol.Encode(protocol.Hello{})
	if err != nil {
		return err
	}
	sender, err := transport.NewDatagram()
	if err != nil {
		return err
	}
	defer sender.Close()

	if err := c.retry(ctx, func() error {
		_, err := sender.SendTo(c.address, hello, []int{theirs.FD()})
		return err
	}); err != nil {
		return faults.Wrap(faults.ErrTransport, "client", "hello", c.address, err)
	}
	// The host now holds its own copy of this end.
	_ = theirs.Close()

	ok, _, err := c.await(ctx, 0)
	if err != nil {
		return faults.Wrap(faults.ErrTransport, "client", "hello", "waiting for acknowledgement", err)
	}
	if ok != protocol.BoolTrue {
		return ErrRefused
	}
	c.logger.Debug("connected", logging.String("address", c.address))
	return nil
}

// Address returns the rendezvous address the client dialled.
func (c *Client) Address() string { return c.address }

// Close hangs up the private channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ep.Close()
}

// Segment is a host-allocated shared-memory region received by the client.
type Segment struct {
	ID   int32
	FD   int
	Size uint64

	mem []byte
}

// Map maps the segment into this process. Repeated calls return the same
// mapping.
func (s *Segment) Map() ([]byte, error) {
	if s.mem != nil {
		return s.mem, nil
	}
	if s.Size > uint64(1<<62) {
		return nil, fmt.Errorf("segment %d too large to map", s.ID)
	}
	mem, err := shmem.Map(s.FD, int64(s.Size))
	if err != nil {
		return nil, err
	}
	s.mem = mem
	return mem, nil
}

// Close unmaps the segment and closes the descriptor. The host keeps the
// segment until it is unregistered.
func (s *Segment) Close() error {
	err := shmem.Unmap(s.mem)
	s.mem = nil
	if cerr := shmem.Close(s.FD); err == nil {
		err = cerr
	}
	s.FD = -1
	return err
}

// AllocateSharedMemory asks the host for a new segment of size bytes.
func (c *Client) AllocateSharedMemory(ctx context.Context, size uint64) (*Segment, error) {
	value, fds, err := c.roundTrip(ctx, protocol.AllocateSharedMemory{Size: size}, nil, protocol.MaxHandles)
	if err != nil {
		return nil, err
	}
	if value == protocol.InvalidID || len(fds) != 1 {
		transport.CloseFDs(fds)
		return nil, fmt.Errorf("allocate %d bytes: %w", size, ErrRejected)
	}
	return &Segment{ID: value, FD: fds[0], Size: size}, nil
}

// RegisterSharedMemory hands a client-created object to the host. fd stays
// owned by the caller; the host receives its own duplicate. The host rejects
// objects that are not sealed with F_SEAL_SHRINK; shmem.Create applies the
// required seals.
func (c *Client) RegisterSharedMemory(ctx context.Context, fd int, size uint64) (int32, error) {
	value, _, err := c.roundTrip(ctx, protocol.RegisterSharedMemory{Size: size}, []int{fd}, 0)
	if err != nil {
		return protocol.InvalidID, err
	}
	if value == protocol.InvalidID {
		return protocol.InvalidID, fmt.Errorf("register %d bytes: %w", size, ErrRejected)
	}
	return value, nil
}

// UnregisterSharedMemory releases segment id on the host.
func (c *Client) UnregisterSharedMemory(ctx context.Context, id int32) error {
	return c.boolRequest(ctx, protocol.UnregisterSharedMemory{ID: id})
}

// UpdateTexture2D asks the host to apply length bytes at offset of segment
// id to mip level of texture resourceID.
func (c *Client) UpdateTexture2D(ctx context.Context, resourceID uint32, level int32, id int32, offset, length uint64) error {
	return c.boolRequest(ctx, protocol.UpdateTexture2D{
		ResourceID:     resourceID,
		Level:          level,
		SharedMemoryID: id,
		Offset:         offset,
		Length:         length,
	})
}

// SendRaw sends an arbitrary payload and returns the response word. It
// exists for diagnostics and protocol tests.
func (c *Client) SendRaw(ctx context.Context, payload []byte, fds []int) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := withTimeout(ctx, c.opts.Timeout)
	defer cancel()
	if err := c.send(ctx, payload, fds); err != nil {
		return 0, err
	}
	value, extra, err := c.await(ctx, protocol.MaxHandles)
	transport.CloseFDs(extra)
	return value, err
}

func (c *Client) boolRequest(ctx context.Context, msg protocol.Message) error {
	value, _, err := c.roundTrip(ctx, msg, nil, 0)
	if err != nil {
		return err
	}
	if value != protocol.BoolTrue {
		return fmt.Errorf("%s: %w", msg.Kind(), ErrRejected)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, msg protocol.Message, fds []int, wantFDs int) (int32, []int, error) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return 0, nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := withTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.send(ctx, payload, fds); err != nil {
		return 0, nil, err
	}
	return c.await(ctx, wantFDs)
}

func (c *Client) send(ctx context.Context, payload []byte, fds []int) error {
	if c.closed {
		return transport.ErrClosed
	}
	return c.retry(ctx, func() error {
		_, err := c.ep.Send(payload, fds)
		return err
	})
}

// await busy-polls the private channel for one response word.
func (c *Client) await(ctx context.Context, maxHandles int) (int32, []int, error) {
	dg, err := c.ep.Wait(ctx, c.opts.PollInterval, protocol.ResponseSize+1, maxHandles)
	if err != nil {
		return 0, nil, err
	}
	if dg.Truncated || len(dg.FDs) > maxHandles {
		transport.CloseFDs(dg.FDs)
		return 0, nil, faults.Wrap(faults.ErrDecode, "client", "response", "truncated response", nil)
	}
	value, err := protocol.DecodeResponse(dg.Payload)
	if err != nil {
		transport.CloseFDs(dg.FDs)
		return 0, nil, err
	}
	return value, dg.FDs, nil
}

func (c *Client) retry(ctx context.Context, fn func() error) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		err := fn()
		if !errors.Is(err, transport.ErrWouldBlock) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
