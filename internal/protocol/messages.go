package protocol

import "fmt"

// Kind is the message discriminant.
type Kind uint32

const (
	KindHello Kind = iota
	KindAllocateSharedMemory
	KindRegisterSharedMemory
	KindUnregisterSharedMemory
	KindUpdateTexture2D
)

// Kinds lists every recognised discriminant in wire order.
var Kinds = []Kind{
	KindHello,
	KindAllocateSharedMemory,
	KindRegisterSharedMemory,
	KindUnregisterSharedMemory,
	KindUpdateTexture2D,
}

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindAllocateSharedMemory:
		return "allocate_shared_memory"
	case KindRegisterSharedMemory:
		return "register_shared_memory"
	case KindUnregisterSharedMemory:
		return "unregister_shared_memory"
	case KindUpdateTexture2D:
		return "update_texture2d"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Known reports whether k is one of the five protocol kinds.
func (k Kind) Known() bool {
	return k <= KindUpdateTexture2D
}

// Wire sizes, discriminant included.
const (
	HeaderSize          = 4
	HelloSize           = HeaderSize
	AllocateSize        = HeaderSize + 8
	RegisterSize        = HeaderSize + 8
	UnregisterSize      = HeaderSize + 4
	UpdateTexture2DSize = HeaderSize + 4 + 4 + 4 + 8 + 8

	// ResponseSize is the size of every response: one int32 word.
	ResponseSize = 4
	// MaxRequestSize is the largest request payload; receivers read one
	// byte more so an oversized datagram is seen as a length mismatch.
	MaxRequestSize = UpdateTexture2DSize
	// MaxHandles is the most descriptors any single message carries.
	MaxHandles = 1
)

// RequestSize returns the exact payload size of a request of kind k.
func RequestSize(k Kind) int {
	switch k {
	case KindHello:
		return HelloSize
	case KindAllocateSharedMemory:
		return AllocateSize
	case KindRegisterSharedMemory:
		return RegisterSize
	case KindUnregisterSharedMemory:
		return UnregisterSize
	case KindUpdateTexture2D:
		return UpdateTexture2DSize
	default:
		return -1
	}
}

// RequestHandles returns how many descriptors a request of kind k carries.
func RequestHandles(k Kind) int {
	switch k {
	case KindHello, KindRegisterSharedMemory:
		return 1
	default:
		return 0
	}
}

// Message is a decoded request. Exactly one concrete type per Kind.
type Message interface {
	Kind() Kind
}

// Hello opens a private channel; the single transferred descriptor is the
// host's end of a connected pair.
type Hello struct{}

// AllocateSharedMemory asks the host to create a segment of Size bytes.
type AllocateSharedMemory struct {
	Size uint64
}

// RegisterSharedMemory hands the host a client-created segment. The
// descriptor travels alongside the payload.
type RegisterSharedMemory struct {
	Size uint64
}

// UnregisterSharedMemory releases segment ID.
type UnregisterSharedMemory struct {
	ID int32
}

// UpdateTexture2D applies Length bytes at Offset of segment SharedMemoryID
// to mip Level of texture ResourceID.
type UpdateTexture2D struct {
	ResourceID     uint32
	Level          int32
	SharedMemoryID int32
	Offset         uint64
	Length         uint64
}

func (Hello) Kind() Kind                  { return KindHello }
func (AllocateSharedMemory) Kind() Kind   { return KindAllocateSharedMemory }
func (RegisterSharedMemory) Kind() Kind   { return KindRegisterSharedMemory }
func (UnregisterSharedMemory) Kind() Kind { return KindUnregisterSharedMemory }
func (UpdateTexture2D) Kind() Kind        { return KindUpdateTexture2D }
