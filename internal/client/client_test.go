package client_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"shmq/internal/client"
	"shmq/internal/faults"
	"shmq/internal/msgqueue"
	"shmq/internal/testsupport"
	"shmq/internal/transport"
)

func TestDialWithoutHostFails(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := client.Dial(ctx, "@shmq-missing-"+uuid.NewString(), client.Options{})
	if !errors.Is(err, faults.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestDialTimesOutWhenHostIsNotDraining(t *testing.T) {
	address := "@shmq-silent-" + uuid.NewString()
	ep, err := transport.Bind(address)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ep.Close()

	start := time.Now()
	_, err = client.Dial(context.Background(), address, client.Options{Timeout: 50 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Dial ignored its timeout: %v", elapsed)
	}
}

func TestRequestsAfterCloseFail(t *testing.T) {
	q := testsupport.MustQueue(t, &testsupport.RecordingSink{}, msgqueue.Options{})
	testsupport.Drive(t, q)

	c := testsupport.MustDial(t, q.GetEndpointAddress())
	if c.Address() != q.GetEndpointAddress() {
		t.Fatalf("unexpected address %q", c.Address())
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := c.AllocateSharedMemory(context.Background(), 64); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSegmentMapIsStable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := testsupport.MustQueue(t, &testsupport.RecordingSink{}, msgqueue.Options{})
	testsupport.Drive(t, q)
	c := testsupport.MustDial(t, q.GetEndpointAddress())

	seg, err := c.AllocateSharedMemory(ctx, 8192)
	if err != nil {
		t.Fatalf("AllocateSharedMemory: %v", err)
	}
	first, err := seg.Map()
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	second, err := seg.Map()
	if err != nil {
		t.Fatalf("second Map: %v", err)
	}
	if len(first) != 8192 || &first[0] != &second[0] {
		t.Fatal("expected the same mapping on repeated Map")
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if seg.FD != -1 {
		t.Fatalf("expected descriptor reset, got %d", seg.FD)
	}
	// The host keeps the segment until it is unregistered.
	if n := len(q.Segments()); n != 1 {
		t.Fatalf("expected host to keep the segment, got %d", n)
	}
}

func TestAllocateOverLimitIsRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := testsupport.MustQueue(t, &testsupport.RecordingSink{}, msgqueue.Options{MaxSegmentSize: 4096})
	testsupport.Drive(t, q)
	c := testsupport.MustDial(t, q.GetEndpointAddress())

	if _, err := c.AllocateSharedMemory(ctx, 8192); !errors.Is(err, client.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if _, err := c.AllocateSharedMemory(ctx, 0); !errors.Is(err, client.ErrRejected) {
		t.Fatalf("expected rejection for zero size, got %v", err)
	}
}
