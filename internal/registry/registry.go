package registry

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"shmq/internal/faults"
	"shmq/internal/shmem"
)

// DefaultMaxSegmentSize caps a single segment when Options leaves it unset.
const DefaultMaxSegmentSize uint64 = 256 << 20

// Options tune a Registry.
type Options struct {
	// MaxSegmentSize rejects larger Allocate and Register requests.
	MaxSegmentSize uint64
	// Name labels memfd objects created by Allocate.
	Name string
	// Now is used for creation timestamps; defaults to time.Now.
	Now func() time.Time
}

// Registry is the shared-memory segment table.
type Registry struct {
	opts Options

	mu       sync.Mutex
	next     int32
	segments map[int32]*Segment
	bytes    uint64
	closed   bool
}

// New returns an empty registry.
func New(opts Options) *Registry {
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if opts.MaxSegmentSize > math.MaxInt64 {
		opts.MaxSegmentSize = math.MaxInt64
	}
	if opts.Name == "" {
		opts.Name = shmem.DefaultName
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{opts: opts, next: 1, segments: make(map[int32]*Segment)}
}

// Allocate creates and maps a new segment of size bytes for owner. It returns
// the segment id and a duplicate descriptor that the caller must close once
// it has been transferred.
func (r *Registry) Allocate(owner Owner, size uint64) (int32, int, error) {
	if err := r.checkSize("allocate", size); err != nil {
		return -1, -1, err
	}
	fd, err := shmem.Create(r.opts.Name, int64(size))
	if err != nil {
		return -1, -1, faults.Wrap(faults.ErrOutOfResources, "registry", "allocate", fmt.Sprintf("%d bytes", size), err)
	}
	mem, err := shmem.Map(fd, int64(size))
	if err != nil {
		_ = shmem.Close(fd)
		return -1, -1, faults.Wrap(faults.ErrOutOfResources, "registry", "allocate", "map", err)
	}
	dup, err := shmem.Dup(fd)
	if err != nil {
		_ = shmem.Unmap(mem)
		_ = shmem.Close(fd)
		return -1, -1, faults.Wrap(faults.ErrOutOfResources, "registry", "allocate", "duplicate descriptor", err)
	}

	seg := &Segment{size: size, origin: OriginAllocated, owner: owner, fd: fd, mem: mem, refs: 1, created: r.opts.Now()}
	id, err := r.insert(seg)
	if err != nil {
		seg.Release()
		_ = shmem.Close(dup)
		return -1, -1, err
	}
	return id, dup, nil
}

// Register records a client-created segment. The registry takes ownership
// of fd and closes it on failure. The object behind fd must be at least
// size bytes and sealed with F_SEAL_SHRINK.
func (r *Registry) Register(owner Owner, fd int, size uint64) (int32, error) {
	if err := r.checkSize("register", size); err != nil {
		_ = shmem.Close(fd)
		return -1, err
	}
	actual, err := shmem.Stat(fd)
	if err != nil {
		_ = shmem.Close(fd)
		return -1, faults.Wrap(faults.ErrInvalidHandle, "registry", "register", "", err)
	}
	if actual < 0 || uint64(actual) < size {
		_ = shmem.Close(fd)
		return -1, faults.Wrap(faults.ErrInvalidHandle, "registry", "register",
			fmt.Sprintf("object holds %d bytes, %d claimed", actual, size), nil)
	}
	seals, err := shmem.Seals(fd)
	if err != nil {
		_ = shmem.Close(fd)
		return -1, faults.Wrap(faults.ErrInvalidHandle, "registry", "register", "object does not support sealing", err)
	}
	if seals&unix.F_SEAL_SHRINK == 0 {
		_ = shmem.Close(fd)
		return -1, faults.Wrap(faults.ErrInvalidHandle, "registry", "register", "object is not sealed against shrinking", nil)
	}

	seg := &Segment{size: size, origin: OriginRegistered, owner: owner, fd: fd, refs: 1, created: r.opts.Now()}
	id, err := r.insert(seg)
	if err != nil {
		seg.Release()
		return -1, err
	}
	return id, nil
}

func (r *Registry) checkSize(op string, size uint64) error {
	if size == 0 {
		return faults.Wrap(faults.ErrOutOfResources, "registry", op, "size is zero", nil)
	}
	if size > r.opts.MaxSegmentSize {
		return faults.Wrap(faults.ErrOutOfResources, "registry", op,
			fmt.Sprintf("%d bytes exceeds limit of %d", size, r.opts.MaxSegmentSize), nil)
	}
	return nil
}

func (r *Registry) insert(seg *Segment) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return -1, faults.Wrap(faults.ErrOutOfResources, "registry", "insert", "registry closed", nil)
	}
	if r.next <= 0 {
		return -1, faults.Wrap(faults.ErrOutOfResources, "registry", "insert", "segment ids exhausted", nil)
	}
	seg.id = r.next
	if r.next == math.MaxInt32 {
		r.next = -1
	} else {
		r.next++
	}
	r.segments[seg.id] = seg
	r.bytes += seg.size
	return seg.id, nil
}

// Unregister removes segment id. Unknown ids, ids already released and ids
// attributed to a different owner all report faults.ErrNotFound. Orphaned
// segments may be unregistered by any owner.
func (r *Registry) Unregister(owner Owner, id int32) error {
	r.mu.Lock()
	seg, ok := r.segments[id]
	if !ok || !(owns(owner, seg) || seg.Owner() == NoOwner) {
		r.mu.Unlock()
		return faults.Wrap(faults.ErrNotFound, "registry", "unregister", fmt.Sprintf("segment %d", id), nil)
	}
	delete(r.segments, id)
	r.bytes -= seg.size
	r.mu.Unlock()

	seg.Release()
	return nil
}

// Resolve looks up segment id and takes a reference on it. The caller must
// call Release on the returned segment.
func (r *Registry) Resolve(owner Owner, id int32) (*Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seg, ok := r.segments[id]
	if !ok || !owns(owner, seg) || !seg.retain() {
		return nil, faults.Wrap(faults.ErrNotFound, "registry", "resolve", fmt.Sprintf("segment %d", id), nil)
	}
	return seg, nil
}

func owns(owner Owner, seg *Segment) bool {
	return owner == NoOwner || seg.Owner() == owner
}

// Orphan re-attributes every segment of owner to NoOwner and returns their
// ids in ascending order. Orphans stay mapped until some channel or the host
// unregisters them.
func (r *Registry) Orphan(owner Owner) []int32 {
	if owner == NoOwner {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int32
	for id, seg := range r.segments {
		if seg.Owner() == owner {
			seg.setOwner(NoOwner)
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReleaseOwnedBy unregisters every segment attributed to owner and returns
// their ids in ascending order.
func (r *Registry) ReleaseOwnedBy(owner Owner) []int32 {
	if owner == NoOwner {
		return nil
	}
	r.mu.Lock()
	var released []*Segment
	for id, seg := range r.segments {
		if seg.Owner() == owner {
			delete(r.segments, id)
			r.bytes -= seg.size
			released = append(released, seg)
		}
	}
	r.mu.Unlock()

	ids := make([]int32, 0, len(released))
	for _, seg := range released {
		seg.Release()
		ids = append(ids, seg.id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of live segments.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.segments)
}

// Bytes returns the total size of live segments.
func (r *Registry) Bytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Snapshot returns the live segments ordered by id.
func (r *Registry) Snapshot() []SegmentInfo {
	r.mu.Lock()
	segs := make([]*Segment, 0, len(r.segments))
	for _, seg := range r.segments {
		segs = append(segs, seg)
	}
	r.mu.Unlock()

	infos := make([]SegmentInfo, 0, len(segs))
	for _, seg := range segs {
		infos = append(infos, seg.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close releases every segment. Later Allocate and Register calls fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	segs := make([]*Segment, 0, len(r.segments))
	for id, seg := range r.segments {
		segs = append(segs, seg)
		delete(r.segments, id)
	}
	r.bytes = 0
	r.mu.Unlock()

	for _, seg := range segs {
		seg.Release()
	}
	return nil
}
