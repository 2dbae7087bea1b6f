package testsupport

import (
	"testing"

	"shmq/internal/shmem"
)

// NewSharedObject creates a client-side shared-memory object of size bytes,
// sealed against resizing the way the host requires, maps it and fills it
// with Pattern(seed). Both are released on cleanup.
func NewSharedObject(t testing.TB, size int64, seed byte) (int, []byte) {
	t.Helper()

	fd, err := shmem.Create("shmq-test", size)
	if err != nil {
		t.Fatalf("shmem.Create: %v", err)
	}
	mem, err := shmem.Map(fd, size)
	if err != nil {
		shmem.Close(fd)
		t.Fatalf("shmem.Map: %v", err)
	}
	FillPattern(mem, seed)
	t.Cleanup(func() {
		_ = shmem.Unmap(mem)
		_ = shmem.Close(fd)
	})
	return fd, mem
}

// FillPattern writes a repeating byte ramp starting at seed.
func FillPattern(buf []byte, seed byte) {
	for i := range buf {
		buf[i] = seed + byte(i)
	}
}
