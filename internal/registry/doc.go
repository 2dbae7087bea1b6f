// Package registry tracks shared-memory segments by integer id.
//
// Segments are either allocated by the host (memfd created, mapped at once,
// a duplicate descriptor handed back for transfer) or registered by a client
// that already owns the object (mapped lazily the first time the host reads
// it). Ids start at 1 and are never reused for the life of a Registry.
//
// The table lock is held only while the map is read or mutated. Readers take
// a reference with Resolve and give it back with Segment.Release, so a
// segment that is unregistered while a read is in flight keeps its mapping
// until that read finishes.
package registry
