package channels

import (
	"sort"
	"sync"
	"time"

	"shmq/internal/transport"
)

// ID identifies a channel for the life of its Manager.
type ID uint64

// State is the lifecycle stage of a prospective or live client.
type State int

const (
	StateUnconnected State = iota
	StateHandshaking
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Channel is one connected client.
type Channel struct {
	id       ID
	endpoint *transport.Endpoint
	created  time.Time

	mu         sync.Mutex
	state      State
	owned      map[int32]struct{}
	requests   uint64
	failures   uint64
	lastActive time.Time
}

// ID returns the channel id.
func (c *Channel) ID() ID { return c.id }

// Endpoint returns the host end of the private socket pair.
func (c *Channel) Endpoint() *transport.Endpoint { return c.endpoint }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Own attributes segment id to the channel.
func (c *Channel) Own(id int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owned[id] = struct{}{}
}

// Disown forgets segment id.
func (c *Channel) Disown(id int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.owned, id)
}

// Owned returns the attributed segment ids in ascending order.
func (c *Channel) Owned() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownedLocked()
}

func (c *Channel) ownedLocked() []int32 {
	ids := make([]int32, 0, len(c.owned))
	for id := range c.owned {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RecordRequest counts one served request.
func (c *Channel) RecordRequest(at time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	if !ok {
		c.failures++
	}
	c.lastActive = at
}

// Info is a point-in-time view of a channel.
type Info struct {
	ID         uint64    `json:"id"`
	State      string    `json:"state"`
	Owned      []int32   `json:"owned"`
	Requests   uint64    `json:"requests"`
	Failures   uint64    `json:"failures"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// Info snapshots the channel.
func (c *Channel) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:         uint64(c.id),
		State:      c.state.String(),
		Owned:      c.ownedLocked(),
		Requests:   c.requests,
		Failures:   c.failures,
		CreatedAt:  c.created,
		LastActive: c.lastActive,
	}
}

// close marks the channel closed and returns the segments it still owned.
func (c *Channel) close() []int32 {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	owned := c.ownedLocked()
	c.owned = make(map[int32]struct{})
	c.mu.Unlock()

	_ = c.endpoint.Close()
	return owned
}
