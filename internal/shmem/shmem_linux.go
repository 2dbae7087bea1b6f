package shmem

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// DefaultName labels memfd regions in /proc/<pid>/fd listings.
const DefaultName = "shmq-segment"

// SizeSeals fix the size of an object handed to the host. A peer that keeps
// a descriptor can no longer truncate pages out from under a live mapping.
const SizeSeals = unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_SEAL

var errSize = errors.New("shmem: size must be positive and addressable")

// Create makes an anonymous shared-memory object of size bytes, seals its
// size with SizeSeals and returns its close-on-exec descriptor.
func Create(name string, size int64) (int, error) {
	if size <= 0 || uint64(size) > math.MaxInt {
		return -1, errSize
	}
	if name == "" {
		name = DefaultName
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("ftruncate %d bytes: %w", size, err)
	}
	if err := Seal(fd); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Seal applies SizeSeals to fd. The object must have been created with
// MFD_ALLOW_SEALING.
func Seal(fd int) error {
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, SizeSeals); err != nil {
		return fmt.Errorf("seal descriptor %d: %w", fd, err)
	}
	return nil
}

// Seals returns the seal set of fd. Objects that do not support sealing
// report an error.
func Seals(fd int) (int, error) {
	seals, err := unix.FcntlInt(uintptr(fd), unix.F_GET_SEALS, 0)
	if err != nil {
		return 0, fmt.Errorf("read seals of descriptor %d: %w", fd, err)
	}
	return seals, nil
}

// Map maps size bytes of fd read/write and shared with every other mapping
// of the same object.
func Map(fd int, size int64) ([]byte, error) {
	if size <= 0 || uint64(size) > math.MaxInt {
		return nil, errSize
	}
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return mem, nil
}

// Unmap releases a mapping returned by Map. A nil slice is ignored.
func Unmap(mem []byte) error {
	if mem == nil {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}

// Dup returns a close-on-exec duplicate of fd suitable for handing to a peer.
func Dup(fd int) (int, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("dup descriptor %d: %w", fd, err)
	}
	return dup, nil
}

// Close closes fd. Negative descriptors are ignored.
func Close(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

// Stat reports the byte size of the object behind fd. Only regular files
// and memfd objects are accepted.
func Stat(fd int) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("fstat descriptor %d: %w", fd, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return 0, fmt.Errorf("descriptor %d is not a shared-memory object (mode %o)", fd, st.Mode&unix.S_IFMT)
	}
	return st.Size, nil
}
