package protocol_test

import (
	"bytes"
	"errors"
	"testing"

	"shmq/internal/faults"
	"shmq/internal/protocol"
)

func TestEncodeUpdateTexture2DLayout(t *testing.T) {
	msg := protocol.UpdateTexture2D{
		ResourceID:     7,
		Level:          2,
		SharedMemoryID: 1,
		Offset:         0x0102,
		Length:         65536,
	}
	got, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{
		4, 0, 0, 0, // kind
		7, 0, 0, 0, // resource id
		2, 0, 0, 0, // level
		1, 0, 0, 0, // shared memory id
		0x02, 0x01, 0, 0, 0, 0, 0, 0, // offset
		0, 0, 1, 0, 0, 0, 0, 0, // length
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("unexpected wire bytes\n got %v\nwant %v", got, want)
	}

	decoded, err := protocol.Decode(got, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded != msg {
		t.Fatalf("decoded %+v, want %+v", decoded, msg)
	}
}

type unknownMessage struct{}

func (unknownMessage) Kind() protocol.Kind { return protocol.Kind(99) }

type mislabeledMessage struct{}

func (mislabeledMessage) Kind() protocol.Kind { return protocol.KindAllocateSharedMemory }

func TestEncodeRejectsUnsupportedMessages(t *testing.T) {
	for _, msg := range []protocol.Message{nil, unknownMessage{}, mislabeledMessage{}} {
		buf, err := protocol.Encode(msg)
		if err == nil {
			t.Fatalf("Encode %T: expected error, got %v", msg, buf)
		}
		if buf != nil {
			t.Fatalf("Encode %T: expected no bytes, got %v", msg, buf)
		}
	}
}

func TestEncodedSizes(t *testing.T) {
	cases := []struct {
		msg  protocol.Message
		size int
	}{
		{protocol.Hello{}, 4},
		{protocol.AllocateSharedMemory{Size: 1}, 12},
		{protocol.RegisterSharedMemory{Size: 1}, 12},
		{protocol.UnregisterSharedMemory{ID: -3}, 8},
		{protocol.UpdateTexture2D{}, 32},
	}
	for _, tc := range cases {
		buf, err := protocol.Encode(tc.msg)
		if err != nil {
			t.Fatalf("Encode %T: %v", tc.msg, err)
		}
		if len(buf) != tc.size || protocol.RequestSize(tc.msg.Kind()) != tc.size {
			t.Fatalf("%s: encoded %d bytes, want %d", tc.msg.Kind(), len(buf), tc.size)
		}
	}
}

func TestDecodeNegativeID(t *testing.T) {
	buf, _ := protocol.Encode(protocol.UnregisterSharedMemory{ID: -3})
	msg, err := protocol.Decode(buf, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.(protocol.UnregisterSharedMemory).ID != -3 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	for _, payload := range [][]byte{nil, {1, 0}, {9, 0, 0, 0}, {0xff, 0xff, 0xff, 0xff, 0}} {
		_, err := protocol.Decode(payload, 0)
		if !errors.Is(err, protocol.ErrUnknownKind) {
			t.Fatalf("payload %v: expected ErrUnknownKind, got %v", payload, err)
		}
		if !errors.Is(err, faults.ErrDecode) {
			t.Fatalf("payload %v: expected decode marker", payload)
		}
	}
}

func TestDecodeRejectsHandleCountMismatch(t *testing.T) {
	hello, _ := protocol.Encode(protocol.Hello{})
	for _, handles := range []int{0, 2} {
		_, err := protocol.Decode(hello, handles)
		var decodeErr *protocol.DecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("handles=%d: expected DecodeError, got %v", handles, err)
		}
		if decodeErr.Kind != protocol.KindHello {
			t.Fatalf("unexpected kind %s", decodeErr.Kind)
		}
		if !errors.Is(err, faults.ErrDecode) {
			t.Fatalf("expected decode marker, got %v", err)
		}
	}

	alloc, _ := protocol.Encode(protocol.AllocateSharedMemory{Size: 8})
	if _, err := protocol.Decode(alloc, 1); err == nil {
		t.Fatal("allocate with a descriptor must be rejected")
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	buf, _ := protocol.Encode(protocol.UpdateTexture2D{Length: 4})
	var decodeErr *protocol.DecodeError
	if _, err := protocol.Decode(buf[:len(buf)-1], 0); !errors.As(err, &decodeErr) {
		t.Fatalf("short payload: expected DecodeError, got %v", err)
	}
	if _, err := protocol.Decode(append(buf, 0), 0); !errors.As(err, &decodeErr) {
		t.Fatalf("long payload: expected DecodeError, got %v", err)
	}
	if decodeErr.Kind != protocol.KindUpdateTexture2D {
		t.Fatalf("unexpected kind %s", decodeErr.Kind)
	}
}

func TestResponses(t *testing.T) {
	v, err := protocol.DecodeResponse(protocol.EncodeBool(true))
	if err != nil || v != protocol.BoolTrue {
		t.Fatalf("true response = %d, %v", v, err)
	}
	v, _ = protocol.DecodeResponse(protocol.FailureResponse(protocol.KindAllocateSharedMemory))
	if v != protocol.InvalidID {
		t.Fatalf("allocate failure = %d, want -1", v)
	}
	v, _ = protocol.DecodeResponse(protocol.FailureResponse(protocol.KindUpdateTexture2D))
	if v != protocol.BoolFalse {
		t.Fatalf("update failure = %d, want 0", v)
	}
	if _, err := protocol.DecodeResponse([]byte{1, 2}); !errors.Is(err, faults.ErrDecode) {
		t.Fatalf("expected decode error for short response, got %v", err)
	}
}

func TestKindString(t *testing.T) {
	if protocol.KindUpdateTexture2D.String() != "update_texture2d" {
		t.Fatalf("unexpected name %q", protocol.KindUpdateTexture2D)
	}
	if protocol.Kind(42).Known() {
		t.Fatal("kind 42 should not be known")
	}
}
