package channels

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"shmq/internal/faults"
	"shmq/internal/logging"
	"shmq/internal/transport"
)

// ReleaseFunc is called after a channel closes with the segment ids it
// still owned. It runs without the manager lock held.
type ReleaseFunc func(id ID, owned []int32)

// Options configure a Manager.
type Options struct {
	// MaxChannels bounds the number of live channels; zero means unlimited.
	MaxChannels int
	// Release is applied to every closed channel. Nil releases nothing.
	Release ReleaseFunc
	Now     func() time.Time
	Logger  *slog.Logger
}

// Manager is the channel table.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	next     ID
	channels map[ID]*Channel
}

// NewManager returns an empty table.
func NewManager(opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		opts:     opts,
		logger:   logging.NewComponentLogger(opts.Logger, "channels"),
		next:     1,
		channels: make(map[ID]*Channel),
	}
}

// Accept binds a new connected channel to endpoint. When the table is full
// it returns faults.ErrOutOfResources and the endpoint stays with the caller.
func (m *Manager) Accept(endpoint *transport.Endpoint) (*Channel, error) {
	if endpoint == nil {
		return nil, faults.Wrap(faults.ErrInvalidHandle, "channels", "accept", "nil endpoint", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opts.MaxChannels > 0 && len(m.channels) >= m.opts.MaxChannels {
		return nil, faults.Wrap(faults.ErrOutOfResources, "channels", "accept",
			fmt.Sprintf("channel limit %d reached", m.opts.MaxChannels), nil)
	}
	now := m.opts.Now()
	ch := &Channel{
		id:         m.next,
		endpoint:   endpoint,
		created:    now,
		state:      StateConnected,
		owned:      make(map[int32]struct{}),
		lastActive: now,
	}
	m.next++
	m.channels[ch.id] = ch
	m.logger.Debug("channel connected", logging.ChannelID(uint64(ch.id)))
	return ch, nil
}

// Get returns a live channel.
func (m *Manager) Get(id ID) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[id]
	return ch, ok
}

// List returns the live channels ordered by id.
func (m *Manager) List() []*Channel {
	m.mu.Lock()
	list := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		list = append(list, ch)
	}
	m.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// Snapshot returns Info for every live channel ordered by id.
func (m *Manager) Snapshot() []Info {
	list := m.List()
	infos := make([]Info, 0, len(list))
	for _, ch := range list {
		infos = append(infos, ch.Info())
	}
	return infos
}

// Len returns the number of live channels.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Close closes channel id and applies the release callback. It reports
// whether the channel was live.
func (m *Manager) Close(id ID, reason string) bool {
	m.mu.Lock()
	ch, ok := m.channels[id]
	if ok {
		delete(m.channels, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.finish(ch, reason)
	return true
}

// CloseAll closes every channel; used at host shutdown.
func (m *Manager) CloseAll() int {
	m.mu.Lock()
	list := make([]*Channel, 0, len(m.channels))
	for id, ch := range m.channels {
		list = append(list, ch)
		delete(m.channels, id)
	}
	m.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	for _, ch := range list {
		m.finish(ch, "host shutdown")
	}
	return len(list)
}

func (m *Manager) finish(ch *Channel, reason string) {
	owned := ch.close()
	m.logger.Debug("channel closed",
		logging.ChannelID(uint64(ch.id)),
		logging.String("reason", reason),
		logging.Int("owned_segments", len(owned)),
	)
	if m.opts.Release != nil {
		m.opts.Release(ch.id, owned)
	}
}
