package msgqueue

import (
	"context"
	"errors"
	"fmt"

	"shmq/internal/channels"
	"shmq/internal/faults"
	"shmq/internal/logging"
	"shmq/internal/metrics"
	"shmq/internal/protocol"
	"shmq/internal/registry"
	"shmq/internal/transport"
)

// receiveLimit is one byte over the largest request so an oversized
// datagram shows up as a length mismatch instead of a silent cut.
const receiveLimit = protocol.MaxRequestSize + 1

func (q *Queue) pollRendezvous(ctx context.Context, stats *Stats) error {
	dg, err := q.rendezvous.Receive(receiveLimit, protocol.MaxHandles)
	if errors.Is(err, transport.ErrWouldBlock) {
		return nil
	}
	if err != nil {
		logging.ErrorWithContext(q.logger, "rendezvous receive failed", "rendezvous_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "restart the host; clients cannot connect"),
		)
		return err
	}
	q.handleHello(dg, stats)
	return nil
}

// handleHello turns a HELLO on the rendezvous endpoint into a channel. Any
// other datagram is dropped without a response: there is nobody to answer.
func (q *Queue) handleHello(dg transport.Datagram, stats *Stats) {
	reject := func(reason string, err error) {
		transport.CloseFDs(dg.FDs)
		stats.Rejected++
		stats.Dropped++
		q.metrics.Handshake(metrics.HandshakeRejected)
		q.metrics.Dropped(reason)
		logging.WarnWithContext(q.logger, "handshake rejected", "handshake_rejected",
			logging.String("reason", reason),
			logging.Int("bytes", len(dg.Payload)),
			logging.Int("handles", len(dg.FDs)),
			logging.Error(err),
			logging.String(logging.FieldImpact, "client receives no acknowledgement"),
			logging.String(logging.FieldErrorHint, "client must send a 4-byte HELLO with exactly one seqpacket descriptor"),
		)
	}

	if dg.Truncated {
		reject("truncated", nil)
		return
	}
	msg, err := protocol.Decode(dg.Payload, len(dg.FDs))
	if err != nil {
		reject("malformed_hello", err)
		return
	}
	if _, ok := msg.(protocol.Hello); !ok {
		reject("not_hello", faults.Wrap(faults.ErrDecode, "msgqueue", "handshake", msg.Kind().String()+" on rendezvous endpoint", nil))
		return
	}
	ep, err := transport.FromFD(dg.FDs[0])
	if err != nil {
		reject("invalid_handle", err)
		return
	}

	ch, err := q.channels.Accept(ep)
	if err != nil {
		_, _ = ep.Send(protocol.EncodeBool(false), nil)
		_ = ep.Close()
		stats.Rejected++
		q.metrics.Handshake(metrics.HandshakeRefused)
		logging.WarnWithContext(q.logger, "handshake refused", "handshake_refused",
			logging.Error(err),
			logging.Int("channels", q.channels.Len()),
			logging.String(logging.FieldImpact, "client connection refused"),
			logging.String(logging.FieldErrorHint, "raise queue.max_channels or close idle clients"),
		)
		return
	}
	if _, err := ep.Send(protocol.EncodeBool(true), nil); err != nil {
		q.channels.Close(ch.ID(), "handshake ack failed")
		stats.ChannelsClosed++
		q.metrics.Handshake(metrics.HandshakeRejected)
		q.logger.Debug("handshake ack failed",
			logging.ChannelID(uint64(ch.ID())),
			logging.Error(err),
		)
		return
	}
	stats.Handshakes++
	q.metrics.Handshake(metrics.HandshakeAccepted)
	q.logger.Info("client connected",
		logging.String(logging.FieldEventType, "channel_connected"),
		logging.ChannelID(uint64(ch.ID())),
	)
}

func (q *Queue) pollChannel(ctx context.Context, ch *channels.Channel, stats *Stats) {
	dg, err := ch.Endpoint().Receive(receiveLimit, protocol.MaxHandles)
	if errors.Is(err, transport.ErrWouldBlock) {
		return
	}
	if err != nil {
		q.closeChannel(ch, err, stats)
		return
	}
	q.serve(ctx, ch, dg, stats)
}

func (q *Queue) closeChannel(ch *channels.Channel, cause error, stats *Stats) {
	if !q.channels.Close(ch.ID(), faults.Kind(cause)) {
		return
	}
	stats.ChannelsClosed++
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "channel_closed"),
		logging.ChannelID(uint64(ch.ID())),
	}
	if errors.Is(cause, transport.ErrClosed) {
		q.logger.Info("client disconnected", logging.Args(attrs...)...)
		return
	}
	attrs = append(attrs,
		logging.Error(cause),
		logging.String(logging.FieldImpact, "channel closed; other clients unaffected"),
		logging.String(logging.FieldErrorHint, "client must reconnect with a new HELLO"),
	)
	logging.WarnWithContext(q.logger, "channel transport failure", "channel_failed", attrs...)
}

// response is what a handler owes the channel.
type response struct {
	payload []byte
	fds     []int
	// after runs once the response has been sent (or failed to send).
	after func(sent bool)
}

// serve handles one datagram from a private channel and sends exactly one
// response unless the discriminant itself was unreadable.
func (q *Queue) serve(ctx context.Context, ch *channels.Channel, dg transport.Datagram, stats *Stats) {
	start := q.opts.Now()
	owner := registry.Owner(ch.ID())

	kind, known := protocol.PeekKind(dg.Payload)
	known = known && kind.Known()
	var (
		resp response
		err  error
	)
	switch {
	case !known:
		transport.CloseFDs(dg.FDs)
		stats.Dropped++
		q.metrics.Dropped("unknown_kind")
		ch.RecordRequest(start, false)
		q.logger.Debug("dropped datagram with unknown kind",
			logging.ChannelID(uint64(ch.ID())),
			logging.Int("bytes", len(dg.Payload)),
		)
		return
	case dg.Truncated:
		transport.CloseFDs(dg.FDs)
		err = faults.Wrap(faults.ErrDecode, "msgqueue", kind.String(), "truncated datagram", nil)
		resp = response{payload: protocol.FailureResponse(kind)}
	default:
		resp, err = q.execute(ctx, ch, owner, dg)
	}

	stats.Requests++
	if err != nil {
		stats.Failures++
	}
	sent := q.reply(ch, resp, stats)
	if resp.after != nil {
		resp.after(sent)
	}

	elapsed := q.opts.Now().Sub(start)
	ch.RecordRequest(start, err == nil)
	q.metrics.ObserveRequest(kind.String(), err, elapsed)
	q.logger.Debug("request served",
		logging.ChannelID(uint64(ch.ID())),
		logging.MessageKind(kind.String()),
		logging.String("result", faults.Kind(err)),
		logging.Duration("elapsed", elapsed),
		logging.Error(err),
	)
}

func (q *Queue) reply(ch *channels.Channel, resp response, stats *Stats) bool {
	_, err := ch.Endpoint().Send(resp.payload, resp.fds)
	if err == nil {
		return true
	}
	if errors.Is(err, transport.ErrWouldBlock) {
		err = faults.Wrap(faults.ErrTransport, "msgqueue", "reply", "peer is not reading responses", err)
	}
	q.closeChannel(ch, err, stats)
	return false
}

// execute decodes and runs one request. Descriptors that arrived with the
// datagram are either handed to the registry or closed here.
func (q *Queue) execute(ctx context.Context, ch *channels.Channel, owner registry.Owner, dg transport.Datagram) (response, error) {
	msg, err := protocol.Decode(dg.Payload, len(dg.FDs))
	if err != nil {
		transport.CloseFDs(dg.FDs)
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			return response{payload: protocol.FailureResponse(decodeErr.Kind)}, err
		}
		return response{payload: protocol.EncodeBool(false)}, err
	}

	switch m := msg.(type) {
	case protocol.Hello:
		transport.CloseFDs(dg.FDs)
		return response{payload: protocol.EncodeBool(false)},
			faults.Wrap(faults.ErrDecode, "msgqueue", "hello", "already connected", nil)

	case protocol.AllocateSharedMemory:
		id, dup, err := q.registry.Allocate(owner, m.Size)
		if err != nil {
			return response{payload: protocol.EncodeInt(protocol.InvalidID)}, err
		}
		ch.Own(id)
		return response{
			payload: protocol.EncodeInt(id),
			fds:     []int{dup},
			after: func(sent bool) {
				transport.CloseFDs([]int{dup})
				if !sent {
					ch.Disown(id)
					_ = q.registry.Unregister(owner, id)
				}
			},
		}, nil

	case protocol.RegisterSharedMemory:
		id, err := q.registry.Register(owner, dg.FDs[0], m.Size)
		if err != nil {
			return response{payload: protocol.EncodeInt(protocol.InvalidID)}, err
		}
		ch.Own(id)
		q.logger.Debug("client segment registered",
			logging.ChannelID(uint64(ch.ID())),
			logging.SegmentID(id),
			logging.Uint64("size", m.Size),
		)
		return response{payload: protocol.EncodeInt(id)}, nil

	case protocol.UnregisterSharedMemory:
		if err := q.registry.Unregister(owner, m.ID); err != nil {
			return response{payload: protocol.EncodeBool(false)}, err
		}
		ch.Disown(m.ID)
		return response{payload: protocol.EncodeBool(true)}, nil

	case protocol.UpdateTexture2D:
		err := q.updateTexture(ctx, owner, m)
		return response{payload: protocol.EncodeBool(err == nil)}, err
	}

	transport.CloseFDs(dg.FDs)
	return response{payload: protocol.EncodeBool(false)},
		faults.Wrap(faults.ErrDecode, "msgqueue", "execute", fmt.Sprintf("unhandled %T", msg), nil)
}

// updateTexture resolves and bounds-checks the segment before any byte is
// read, then forwards the slice to the sink without holding a table lock.
func (q *Queue) updateTexture(ctx context.Context, owner registry.Owner, m protocol.UpdateTexture2D) error {
	seg, err := q.registry.Resolve(owner, m.SharedMemoryID)
	if err != nil {
		return err
	}
	defer seg.Release()

	data, err := seg.Slice(m.Offset, m.Length)
	if err != nil {
		return err
	}
	if err := q.sink.Apply(ctx, m.ResourceID, m.Level, data); err != nil {
		if faults.Kind(err) == "internal" {
			err = faults.Wrap(faults.ErrSink, "msgqueue", "update_texture2d",
				fmt.Sprintf("resource %d level %d", m.ResourceID, m.Level), err)
		}
		return err
	}
	q.metrics.AddSinkBytes(len(data))
	return nil
}
