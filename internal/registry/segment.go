package registry

import (
	"fmt"
	"math"
	"sync"
	"time"

	"shmq/internal/faults"
	"shmq/internal/shmem"
)

// Owner identifies the channel a segment is attributed to. NoOwner is the
// host itself and bypasses ownership checks. Segments orphaned by a closed
// channel are attributed to NoOwner and any channel may unregister them.
type Owner uint64

const NoOwner Owner = 0

// Origin records how a segment entered the registry.
type Origin int

const (
	OriginAllocated Origin = iota
	OriginRegistered
)

func (o Origin) String() string {
	switch o {
	case OriginAllocated:
		return "allocated"
	case OriginRegistered:
		return "registered"
	default:
		return "unknown"
	}
}

// Segment is one live shared-memory region.
type Segment struct {
	id      int32
	size    uint64
	origin  Origin
	created time.Time

	mu     sync.Mutex
	owner  Owner
	fd     int
	mem    []byte
	refs   int
	closed bool
}

// ID returns the host-assigned segment id.
func (s *Segment) ID() int32 { return s.id }

// Size returns the segment length in bytes.
func (s *Segment) Size() uint64 { return s.size }

// Origin reports whether the host allocated or merely registered the segment.
func (s *Segment) Origin() Origin { return s.origin }

// Owner returns the channel the segment is attributed to.
func (s *Segment) Owner() Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

func (s *Segment) setOwner(owner Owner) {
	s.mu.Lock()
	s.owner = owner
	s.mu.Unlock()
}

// Slice validates offset and length against the segment size and returns the
// mapped bytes. The slice is valid until Release. Registered segments are
// mapped on first use.
func (s *Segment) Slice(offset, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, faults.Wrap(faults.ErrOutOfBounds, "registry", "slice", "zero length", nil)
	}
	end := offset + length
	if end < offset || end > s.size {
		return nil, faults.Wrap(faults.ErrOutOfBounds, "registry", "slice",
			fmt.Sprintf("segment %d: range [%d, +%d) exceeds %d bytes", s.id, offset, length, s.size), nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, faults.Wrap(faults.ErrNotFound, "registry", "slice", fmt.Sprintf("segment %d released", s.id), nil)
	}
	if s.mem == nil {
		if s.size > math.MaxInt64 {
			return nil, faults.Wrap(faults.ErrOutOfResources, "registry", "map", "segment too large", nil)
		}
		mem, err := shmem.Map(s.fd, int64(s.size))
		if err != nil {
			return nil, faults.Wrap(faults.ErrOutOfResources, "registry", "map", fmt.Sprintf("segment %d", s.id), err)
		}
		s.mem = mem
	}
	return s.mem[offset:end:end], nil
}

// Mapped reports whether the host currently holds a mapping.
func (s *Segment) Mapped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem != nil
}

func (s *Segment) retain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.refs++
	return true
}

// Release drops a reference taken by Resolve. The mapping and descriptor are
// closed with the last reference.
func (s *Segment) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.refs == 0 {
		return
	}
	s.refs--
	if s.refs > 0 {
		return
	}
	s.closed = true
	_ = shmem.Unmap(s.mem)
	s.mem = nil
	_ = shmem.Close(s.fd)
	s.fd = -1
}

// SegmentInfo is a point-in-time view for the control plane.
type SegmentInfo struct {
	ID        int32     `json:"id"`
	Size      uint64    `json:"size"`
	Origin    string    `json:"origin"`
	Owner     uint64    `json:"owner"`
	Mapped    bool      `json:"mapped"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Segment) info() SegmentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SegmentInfo{
		ID:        s.id,
		Size:      s.size,
		Origin:    s.origin.String(),
		Owner:     uint64(s.owner),
		Mapped:    s.mem != nil,
		CreatedAt: s.created,
	}
}
