package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"shmq/internal/faults"
)

// ErrUnknownKind marks a datagram whose discriminant could not be read or is
// not recognised. No response is owed for it.
var ErrUnknownKind = faults.Wrap(faults.ErrDecode, "protocol", "decode", "unknown message kind", nil)

// DecodeError reports a recognised kind with the wrong payload length or
// descriptor count. The sender is owed a failure response of Kind.
type DecodeError struct {
	Kind     Kind
	Length   int
	Handles  int
	Expected int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: got %d bytes and %d handles, want %d bytes and %d handles",
		e.Kind, e.Length, e.Handles, e.Expected, RequestHandles(e.Kind))
}

// Is lets errors.Is(err, faults.ErrDecode) match.
func (e *DecodeError) Is(target error) bool {
	return target == faults.ErrDecode
}

// PeekKind reads the discriminant without validating the rest.
func PeekKind(payload []byte) (Kind, bool) {
	if len(payload) < HeaderSize {
		return 0, false
	}
	return Kind(binary.LittleEndian.Uint32(payload)), true
}

// Decode validates payload and the number of descriptors that came with it
// and returns the typed request.
func Decode(payload []byte, handles int) (Message, error) {
	kind, ok := PeekKind(payload)
	if !ok || !kind.Known() {
		return nil, ErrUnknownKind
	}
	want := RequestSize(kind)
	if len(payload) != want || handles != RequestHandles(kind) {
		return nil, &DecodeError{Kind: kind, Length: len(payload), Handles: handles, Expected: want}
	}
	args := payload[HeaderSize:]
	le := binary.LittleEndian
	switch kind {
	case KindHello:
		return Hello{}, nil
	case KindAllocateSharedMemory:
		return AllocateSharedMemory{Size: le.Uint64(args)}, nil
	case KindRegisterSharedMemory:
		return RegisterSharedMemory{Size: le.Uint64(args)}, nil
	case KindUnregisterSharedMemory:
		return UnregisterSharedMemory{ID: int32(le.Uint32(args))}, nil
	case KindUpdateTexture2D:
		return UpdateTexture2D{
			ResourceID:     le.Uint32(args[0:]),
			Level:          int32(le.Uint32(args[4:])),
			SharedMemoryID: int32(le.Uint32(args[8:])),
			Offset:         le.Uint64(args[12:]),
			Length:         le.Uint64(args[20:]),
		}, nil
	}
	return nil, ErrUnknownKind
}

// Encode serialises a request.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("protocol: nil message")
	}
	kind := msg.Kind()
	size := RequestSize(kind)
	if size < 0 {
		return nil, fmt.Errorf("protocol: unsupported message kind %d (%T)", kind, msg)
	}
	buf := make([]byte, size)
	le := binary.LittleEndian
	le.PutUint32(buf, uint32(kind))
	args := buf[HeaderSize:]
	switch m := msg.(type) {
	case Hello:
	case AllocateSharedMemory:
		le.PutUint64(args, m.Size)
	case RegisterSharedMemory:
		le.PutUint64(args, m.Size)
	case UnregisterSharedMemory:
		le.PutUint32(args, uint32(m.ID))
	case UpdateTexture2D:
		le.PutUint32(args[0:], m.ResourceID)
		le.PutUint32(args[4:], uint32(m.Level))
		le.PutUint32(args[8:], uint32(m.SharedMemoryID))
		le.PutUint64(args[12:], m.Offset)
		le.PutUint64(args[20:], m.Length)
	default:
		return nil, fmt.Errorf("protocol: unsupported message %T", msg)
	}
	return buf, nil
}

// Failure values carried in responses.
const (
	BoolFalse int32 = 0
	BoolTrue  int32 = 1
	InvalidID int32 = -1
)

// EncodeBool builds a boolean response word.
func EncodeBool(ok bool) []byte {
	if ok {
		return EncodeInt(BoolTrue)
	}
	return EncodeInt(BoolFalse)
}

// EncodeInt builds an int32 response word (segment ids, -1 on failure).
func EncodeInt(v int32) []byte {
	buf := make([]byte, ResponseSize)
	binary.LittleEndian.PutUint32(buf, uint32(v))
	return buf
}

// DecodeResponse reads a response word.
func DecodeResponse(payload []byte) (int32, error) {
	if len(payload) != ResponseSize {
		return 0, faults.Wrap(faults.ErrDecode, "protocol", "response", fmt.Sprintf("got %d bytes, want %d", len(payload), ResponseSize), nil)
	}
	return int32(binary.LittleEndian.Uint32(payload)), nil
}

// FailureResponse is the response owed for a rejected request of kind k:
// -1 for id-returning kinds, false otherwise.
func FailureResponse(k Kind) []byte {
	switch k {
	case KindAllocateSharedMemory, KindRegisterSharedMemory:
		return EncodeInt(InvalidID)
	default:
		return EncodeBool(false)
	}
}
