package msgqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"shmq/internal/channels"
	"shmq/internal/faults"
	"shmq/internal/logging"
	"shmq/internal/metrics"
	"shmq/internal/registry"
	"shmq/internal/transport"
)

// Queue is the host object: rendezvous endpoint, channel table and segment
// registry.
type Queue struct {
	opts    Options
	address string
	sink    ResourceSink
	logger  *slog.Logger
	metrics *metrics.Metrics

	channels *channels.Manager
	registry *registry.Registry

	// drainMu serialises CheckForNewMessages and lifecycle changes.
	drainMu    sync.Mutex
	rendezvous *transport.Endpoint
	closed     bool
}

// Stats summarises one drain pass.
type Stats struct {
	Handshakes     int `json:"handshakes"`
	Rejected       int `json:"rejected"`
	Requests       int `json:"requests"`
	Failures       int `json:"failures"`
	Dropped        int `json:"dropped"`
	ChannelsClosed int `json:"channels_closed"`
}

// Idle reports whether the pass found nothing to do.
func (s Stats) Idle() bool {
	return s == Stats{}
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.Handshakes += other.Handshakes
	s.Rejected += other.Rejected
	s.Requests += other.Requests
	s.Failures += other.Failures
	s.Dropped += other.Dropped
	s.ChannelsClosed += other.ChannelsClosed
}

// Status is a point-in-time summary of the queue.
type Status struct {
	Address       string `json:"address"`
	Initialized   bool   `json:"initialized"`
	Closed        bool   `json:"closed"`
	ReleasePolicy string `json:"release_policy"`
	Channels      int    `json:"channels"`
	Segments      int    `json:"segments"`
	SegmentBytes  uint64 `json:"segment_bytes"`
}

// New builds a Queue. Nothing is bound until Initialize.
func New(sink ResourceSink, opts Options) (*Queue, error) {
	if sink == nil {
		return nil, errors.New("msgqueue: resource sink is required")
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	address, err := opts.rendezvousAddress()
	if err != nil {
		return nil, err
	}

	q := &Queue{
		opts:     opts,
		address:  address,
		sink:     sink,
		logger:   logging.ForComponent(opts.Logger, "msgqueue", opts.ComponentLevels),
		metrics:  opts.Metrics,
		registry: registry.New(registry.Options{MaxSegmentSize: opts.MaxSegmentSize, Now: opts.Now}),
	}
	q.channels = channels.NewManager(channels.Options{
		MaxChannels: opts.MaxChannels,
		Release:     q.releaseChannel,
		Now:         opts.Now,
		Logger:      logging.WithComponentLevel(opts.Logger, "channels", opts.ComponentLevels),
	})
	return q, nil
}

// Initialize binds the rendezvous endpoint. It must succeed before any
// client can connect.
func (q *Queue) Initialize() error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	if q.closed {
		return transport.ErrClosed
	}
	if q.rendezvous != nil {
		return nil
	}
	ep, err := transport.Bind(q.address)
	if err != nil {
		return err
	}
	q.rendezvous = ep
	q.logger.Info("rendezvous endpoint bound",
		logging.String(logging.FieldEventType, "queue_initialized"),
		logging.String("address", q.address),
		logging.String("release_policy", q.opts.ReleasePolicy),
	)
	return nil
}

// GetEndpointAddress returns the rendezvous address clients send HELLO to.
func (q *Queue) GetEndpointAddress() string {
	return q.address
}

// Metrics returns the collectors the queue reports to, possibly nil.
func (q *Queue) Metrics() *metrics.Metrics {
	return q.metrics
}

// Channels snapshots the live channels.
func (q *Queue) Channels() []channels.Info {
	return q.channels.Snapshot()
}

// ReleaseSegment unregisters segment id on behalf of the host, regardless
// of which channel it is attributed to.
func (q *Queue) ReleaseSegment(id int32) error {
	if err := q.registry.Unregister(registry.NoOwner, id); err != nil {
		return err
	}
	q.metrics.SetSegments(q.registry.Len(), q.registry.Bytes())
	q.logger.Info("segment released by host", logging.SegmentID(id))
	return nil
}

// Segments snapshots the live segments.
func (q *Queue) Segments() []registry.SegmentInfo {
	return q.registry.Snapshot()
}

// Status summarises the queue.
func (q *Queue) Status() Status {
	q.drainMu.Lock()
	initialized := q.rendezvous != nil
	closed := q.closed
	q.drainMu.Unlock()
	return Status{
		Address:       q.address,
		Initialized:   initialized,
		Closed:        closed,
		ReleasePolicy: q.opts.ReleasePolicy,
		Channels:      q.channels.Len(),
		Segments:      q.registry.Len(),
		SegmentBytes:  q.registry.Bytes(),
	}
}

// CheckForNewMessages makes one non-blocking pass over the rendezvous
// endpoint and every live channel, handling at most one datagram on each.
func (q *Queue) CheckForNewMessages(ctx context.Context) (Stats, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var stats Stats
	if q.closed {
		return stats, transport.ErrClosed
	}
	if q.rendezvous == nil {
		return stats, faults.Wrap(faults.ErrTransport, "msgqueue", "drain", "queue not initialized", nil)
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	q.metrics.Drain()

	// A broken rendezvous endpoint stops new handshakes only; established
	// channels are still served before the error is reported.
	rendezvousErr := q.pollRendezvous(ctx, &stats)
	for _, ch := range q.channels.List() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		q.pollChannel(ctx, ch, &stats)
	}

	q.metrics.SetChannels(q.channels.Len())
	q.metrics.SetSegments(q.registry.Len(), q.registry.Bytes())
	return stats, rendezvousErr
}

// Close shuts the rendezvous endpoint, every channel and every segment.
func (q *Queue) Close() error {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	var err error
	if q.rendezvous != nil {
		err = q.rendezvous.Close()
	}
	closedChannels := q.channels.CloseAll()
	segments := q.registry.Len()
	if cerr := q.registry.Close(); err == nil {
		err = cerr
	}
	q.metrics.SetChannels(0)
	q.metrics.SetSegments(0, 0)
	q.logger.Info("queue closed",
		logging.String(logging.FieldEventType, "queue_closed"),
		logging.Int("channels", closedChannels),
		logging.Int("segments", segments),
	)
	return err
}

func (q *Queue) releaseChannel(id channels.ID, _ []int32) {
	q.metrics.ChannelClosed()
	if q.opts.ReleasePolicy != ReleaseOnClose {
		orphaned := q.registry.Orphan(registry.Owner(id))
		if len(orphaned) > 0 {
			q.logger.Debug("segments outlive closed channel",
				logging.ChannelID(uint64(id)),
				logging.Any("segments", orphaned),
			)
		}
		return
	}
	released := q.registry.ReleaseOwnedBy(registry.Owner(id))
	if len(released) > 0 {
		q.logger.Debug("released segments of closed channel",
			logging.ChannelID(uint64(id)),
			logging.Any("segments", released),
		)
	}
}
