package msgqueue

import "context"

// ResourceSink applies validated bytes to a host resource. Implementations
// must not retain data after Apply returns; the segment it points into may
// be unregistered right afterwards.
type ResourceSink interface {
	Apply(ctx context.Context, resourceID uint32, level int32, data []byte) error
}

// SinkFunc adapts a function to ResourceSink.
type SinkFunc func(ctx context.Context, resourceID uint32, level int32, data []byte) error

// Apply calls f.
func (f SinkFunc) Apply(ctx context.Context, resourceID uint32, level int32, data []byte) error {
	return f(ctx, resourceID, level, data)
}
