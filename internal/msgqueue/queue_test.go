package msgqueue_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"

	"shmq/internal/client"
	"shmq/internal/faults"
	"shmq/internal/metrics"
	"shmq/internal/msgqueue"
	"shmq/internal/protocol"
	"shmq/internal/shmem"
	"shmq/internal/testsupport"
	"shmq/internal/transport"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startQueue(t *testing.T, opts msgqueue.Options) (*msgqueue.Queue, *testsupport.RecordingSink) {
	t.Helper()
	sink := &testsupport.RecordingSink{}
	q := testsupport.MustQueue(t, sink, opts)
	testsupport.Drive(t, q)
	return q, sink
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func sampleValue(t *testing.T, m *metrics.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	samples, err := m.Samples()
	if err != nil {
		t.Fatalf("Samples: %v", err)
	}
	for _, s := range samples {
		if s.Name != name {
			continue
		}
		match := true
		for k, v := range labels {
			if s.Labels[k] != v {
				match = false
			}
		}
		if match {
			return s.Value
		}
	}
	return 0
}

func TestAllocateThenUpdateTexture(t *testing.T) {
	ctx := testContext(t)
	m := metrics.New(metrics.WithRegistry(prometheus.NewRegistry()))
	q, sink := startQueue(t, msgqueue.Options{Metrics: m})
	c := testsupport.MustDial(t, q.GetEndpointAddress())

	seg, err := c.AllocateSharedMemory(ctx, 65536)
	if err != nil {
		t.Fatalf("AllocateSharedMemory: %v", err)
	}
	defer seg.Close()
	if seg.ID < 1 {
		t.Fatalf("expected positive id, got %d", seg.ID)
	}
	mem, err := seg.Map()
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	testsupport.FillPattern(mem, 0x10)

	if err := c.UpdateTexture2D(ctx, 7, 0, seg.ID, 0, 65536); err != nil {
		t.Fatalf("UpdateTexture2D: %v", err)
	}
	updates := sink.Updates()
	if len(updates) != 1 {
		t.Fatalf("expected one sink update, got %d", len(updates))
	}
	if updates[0].ResourceID != 7 || updates[0].Level != 0 {
		t.Fatalf("unexpected update target %+v", updates[0])
	}
	if !bytes.Equal(updates[0].Data, mem) {
		t.Fatal("sink received different bytes than the client wrote")
	}

	if err := c.UnregisterSharedMemory(ctx, seg.ID); err != nil {
		t.Fatalf("UnregisterSharedMemory: %v", err)
	}
	if err := c.UnregisterSharedMemory(ctx, seg.ID); !errors.Is(err, client.ErrRejected) {
		t.Fatalf("second unregister should be rejected, got %v", err)
	}
	if err := c.UpdateTexture2D(ctx, 7, 0, seg.ID, 0, 65536); !errors.Is(err, client.ErrRejected) {
		t.Fatalf("update after unregister should be rejected, got %v", err)
	}

	if got := sampleValue(t, m, "shmq_requests_total", map[string]string{"kind": "update_texture2d", "result": "ok"}); got != 1 {
		t.Fatalf("expected one successful update metric, got %v", got)
	}
	if got := sampleValue(t, m, "shmq_sink_bytes_total", nil); got != 65536 {
		t.Fatalf("expected 65536 sink bytes, got %v", got)
	}
	if got := sampleValue(t, m, "shmq_handshakes_total", map[string]string{"result": metrics.HandshakeAccepted}); got != 1 {
		t.Fatalf("expected one accepted handshake, got %v", got)
	}
}

func TestRegisterClientSegmentRoundTrip(t *testing.T) {
	ctx := testContext(t)
	q, sink := startQueue(t, msgqueue.Options{})
	c := testsupport.MustDial(t, q.GetEndpointAddress())

	fd, mem := testsupport.NewSharedObject(t, 4096, 0x42)
	id, err := c.RegisterSharedMemory(ctx, fd, 4096)
	if err != nil {
		t.Fatalf("RegisterSharedMemory: %v", err)
	}
	// Writes after registration are visible to the host.
	mem[150] = 0xFF

	if err := c.UpdateTexture2D(ctx, 3, 1, id, 100, 200); err != nil {
		t.Fatalf("UpdateTexture2D: %v", err)
	}
	updates := sink.Updates()
	if len(updates) != 1 || !bytes.Equal(updates[0].Data, mem[100:300]) {
		t.Fatalf("sink did not receive the registered bytes")
	}
	if updates[0].ResourceID != 3 || updates[0].Level != 1 {
		t.Fatalf("unexpected update target %+v", updates[0])
	}

	segments := q.Segments()
	if len(segments) != 1 || segments[0].Origin != "registered" || segments[0].Size != 4096 {
		t.Fatalf("unexpected segments %+v", segments)
	}
}

func TestRegisterRejectsUndersizedObject(t *testing.T) {
	ctx := testContext(t)
	q, _ := startQueue(t, msgqueue.Options{})
	c := testsupport.MustDial(t, q.GetEndpointAddress())

	fd, _ := testsupport.NewSharedObject(t, 1024, 0)
	if _, err := c.RegisterSharedMemory(ctx, fd, 4096); !errors.Is(err, client.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if n := len(q.Segments()); n != 0 {
		t.Fatalf("expected no segments, got %d", n)
	}
}

func TestUpdateIsBoundsChecked(t *testing.T) {
	ctx := testContext(t)
	q, sink := startQueue(t, msgqueue.Options{})
	c := testsupport.MustDial(t, q.GetEndpointAddress())

	seg, err := c.AllocateSharedMemory(ctx, 1024)
	if err != nil {
		t.Fatalf("AllocateSharedMemory: %v", err)
	}
	defer seg.Close()

	cases := []struct {
		name           string
		offset, length uint64
	}{
		{"past end", 1000, 100},
		{"offset beyond size", 2048, 1},
		{"zero length", 0, 0},
		{"overflowing range", math.MaxUint64, 2},
	}
	for _, tc := range cases {
		if err := c.UpdateTexture2D(ctx, 7, 0, seg.ID, tc.offset, tc.length); !errors.Is(err, client.ErrRejected) {
			t.Fatalf("%s: expected rejection, got %v", tc.name, err)
		}
	}
	if n := len(sink.Updates()); n != 0 {
		t.Fatalf("sink must not be called for out-of-range updates, got %d calls", n)
	}
	if err := c.UpdateTexture2D(ctx, 7, 0, seg.ID, 1000, 24); err != nil {
		t.Fatalf("exact tail update: %v", err)
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	ctx := testContext(t)
	q, sink := startQueue(t, msgqueue.Options{})
	alice := testsupport.MustDial(t, q.GetEndpointAddress())
	bob := testsupport.MustDial(t, q.GetEndpointAddress())

	seg, err := alice.AllocateSharedMemory(ctx, 256)
	if err != nil {
		t.Fatalf("AllocateSharedMemory: %v", err)
	}
	defer seg.Close()

	if err := bob.UpdateTexture2D(ctx, 7, 0, seg.ID, 0, 16); !errors.Is(err, client.ErrRejected) {
		t.Fatalf("foreign update should be rejected, got %v", err)
	}
	if err := bob.UnregisterSharedMemory(ctx, seg.ID); !errors.Is(err, client.ErrRejected) {
		t.Fatalf("foreign unregister should be rejected, got %v", err)
	}
	if err := alice.UpdateTexture2D(ctx, 7, 0, seg.ID, 0, 16); err != nil {
		t.Fatalf("owner update: %v", err)
	}
	if n := len(sink.Updates()); n != 1 {
		t.Fatalf("expected one update, got %d", n)
	}

	other, err := bob.AllocateSharedMemory(ctx, 256)
	if err != nil {
		t.Fatalf("AllocateSharedMemory: %v", err)
	}
	defer other.Close()
	if other.ID == seg.ID {
		t.Fatalf("ids must be unique across channels, both got %d", seg.ID)
	}
}

func TestUnregisterMissingIDIsRejectedRepeatedly(t *testing.T) {
	ctx := testContext(t)
	q, _ := startQueue(t, msgqueue.Options{})
	c := testsupport.MustDial(t, q.GetEndpointAddress())

	for range 2 {
		if err := c.UnregisterSharedMemory(ctx, 4242); !errors.Is(err, client.ErrRejected) {
			t.Fatalf("expected rejection, got %v", err)
		}
	}
	// The channel stays usable after failures.
	seg, err := c.AllocateSharedMemory(ctx, 64)
	if err != nil {
		t.Fatalf("AllocateSharedMemory after failures: %v", err)
	}
	seg.Close()
}

func TestMalformedHelloLeavesRendezvousUsable(t *testing.T) {
	ctx := testContext(t)
	m := metrics.New(metrics.WithRegistry(prometheus.NewRegistry()))
	q := testsupport.MustQueue(t, &testsupport.RecordingSink{}, msgqueue.Options{Metrics: m})

	sender, err := transport.NewDatagram()
	if err != nil {
		t.Fatalf("NewDatagram: %v", err)
	}
	defer sender.Close()

	hello, _ := protocol.Encode(protocol.Hello{})
	alloc, _ := protocol.Encode(protocol.AllocateSharedMemory{Size: 64})
	for _, payload := range [][]byte{hello, alloc, {1, 2}} {
		if _, err := sender.SendTo(q.GetEndpointAddress(), payload, nil); err != nil {
			t.Fatalf("SendTo: %v", err)
		}
		stats, err := q.CheckForNewMessages(ctx)
		if err != nil {
			t.Fatalf("CheckForNewMessages: %v", err)
		}
		if stats.Rejected != 1 || stats.Handshakes != 0 {
			t.Fatalf("payload %v: unexpected stats %+v", payload, stats)
		}
	}
	if n := len(q.Channels()); n != 0 {
		t.Fatalf("rejected hellos must not create channels, got %d", n)
	}
	if got := sampleValue(t, m, "shmq_handshakes_total", map[string]string{"result": metrics.HandshakeRejected}); got != 3 {
		t.Fatalf("expected 3 rejected handshakes, got %v", got)
	}

	testsupport.Drive(t, q)
	c := testsupport.MustDial(t, q.GetEndpointAddress())
	seg, err := c.AllocateSharedMemory(ctx, 64)
	if err != nil {
		t.Fatalf("AllocateSharedMemory: %v", err)
	}
	seg.Close()
}

func TestConcurrentRegisterUnregisterStress(t *testing.T) {
	ctx := testContext(t)
	q, _ := startQueue(t, msgqueue.Options{})
	clients := []*client.Client{
		testsupport.MustDial(t, q.GetEndpointAddress()),
		testsupport.MustDial(t, q.GetEndpointAddress()),
	}

	const cycles = 100
	errs := make(chan error, len(clients)*cycles)
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			for range cycles {
				fd, err := shmem.Create("stress", 512)
				if err != nil {
					errs <- err
					return
				}
				id, err := c.RegisterSharedMemory(ctx, fd, 512)
				shmem.Close(fd)
				if err != nil {
					errs <- err
					return
				}
				if err := c.UnregisterSharedMemory(ctx, id); err != nil {
					errs <- err
					return
				}
			}
		}(c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("stress cycle failed: %v", err)
	}
	if n := len(q.Segments()); n != 0 {
		t.Fatalf("expected empty registry, got %d segments", n)
	}
}

func TestChannelLimitRefusesHandshake(t *testing.T) {
	ctx := testContext(t)
	m := metrics.New(metrics.WithRegistry(prometheus.NewRegistry()))
	q, _ := startQueue(t, msgqueue.Options{MaxChannels: 1, Metrics: m})
	testsupport.MustDial(t, q.GetEndpointAddress())

	if _, err := client.Dial(ctx, q.GetEndpointAddress(), client.Options{}); !errors.Is(err, client.ErrRefused) {
		t.Fatalf("expected refusal, got %v", err)
	}
	if got := sampleValue(t, m, "shmq_handshakes_total", map[string]string{"result": metrics.HandshakeRefused}); got != 1 {
		t.Fatalf("expected one refused handshake, got %v", got)
	}
}

func TestHelloOnPrivateChannelFails(t *testing.T) {
	ctx := testContext(t)
	q, _ := startQueue(t, msgqueue.Options{})
	c := testsupport.MustDial(t, q.GetEndpointAddress())

	hello, _ := protocol.Encode(protocol.Hello{})
	value, err := c.SendRaw(ctx, hello, nil)
	if err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	if value != protocol.BoolFalse {
		t.Fatalf("expected false, got %d", value)
	}
}

func TestMalformedRequestGetsTypedFailure(t *testing.T) {
	ctx := testContext(t)
	q, _ := startQueue(t, msgqueue.Options{})
	c := testsupport.MustDial(t, q.GetEndpointAddress())

	short := make([]byte, 8)
	binary.LittleEndian.PutUint32(short, uint32(protocol.KindAllocateSharedMemory))
	value, err := c.SendRaw(ctx, short, nil)
	if err != nil {
		t.Fatalf("SendRaw: %v", err)
	}
	if value != protocol.InvalidID {
		t.Fatalf("expected -1 for short ALLOC, got %d", value)
	}

	unreg := make([]byte, 12)
	binary.LittleEndian.PutUint32(unreg, uint32(protocol.KindUnregisterSharedMemory))
	if value, err = c.SendRaw(ctx, unreg, nil); err != nil || value != protocol.BoolFalse {
		t.Fatalf("long UNREGISTER = %d, %v; want false", value, err)
	}
}

func TestUnknownKindGetsNoResponse(t *testing.T) {
	ctx := testContext(t)
	q, _ := startQueue(t, msgqueue.Options{})
	c := testsupport.MustDial(t, q.GetEndpointAddress())

	unknown := make([]byte, 8)
	binary.LittleEndian.PutUint32(unknown, 99)
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := c.SendRaw(short, unknown, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no response, got %v", err)
	}

	seg, err := c.AllocateSharedMemory(ctx, 64)
	if err != nil {
		t.Fatalf("channel unusable after unknown kind: %v", err)
	}
	seg.Close()
}

func TestSinkFailureIsReportedAsFalse(t *testing.T) {
	ctx := testContext(t)
	q, sink := startQueue(t, msgqueue.Options{})
	c := testsupport.MustDial(t, q.GetEndpointAddress())
	seg, err := c.AllocateSharedMemory(ctx, 64)
	if err != nil {
		t.Fatalf("AllocateSharedMemory: %v", err)
	}
	defer seg.Close()

	sink.Fail(errors.New("device lost"))
	if err := c.UpdateTexture2D(ctx, 7, 0, seg.ID, 0, 64); !errors.Is(err, client.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	sink.Fail(nil)
	if err := c.UpdateTexture2D(ctx, 7, 0, seg.ID, 0, 64); err != nil {
		t.Fatalf("UpdateTexture2D after recovery: %v", err)
	}
}

func TestReleasePolicies(t *testing.T) {
	for _, policy := range []string{msgqueue.ReleaseExplicit, msgqueue.ReleaseOnClose} {
		t.Run(policy, func(t *testing.T) {
			ctx := testContext(t)
			q, _ := startQueue(t, msgqueue.Options{ReleasePolicy: policy})
			c, err := client.Dial(ctx, q.GetEndpointAddress(), client.Options{})
			if err != nil {
				t.Fatalf("Dial: %v", err)
			}
			for range 2 {
				seg, err := c.AllocateSharedMemory(ctx, 128)
				if err != nil {
					t.Fatalf("AllocateSharedMemory: %v", err)
				}
				seg.Close()
			}
			c.Close()
			waitFor(t, "channel close", func() bool { return len(q.Channels()) == 0 })

			want := 2
			if policy == msgqueue.ReleaseOnClose {
				want = 0
			}
			if n := len(q.Segments()); n != want {
				t.Fatalf("expected %d segments after close, got %d", want, n)
			}
			if q.Status().ReleasePolicy != policy {
				t.Fatalf("unexpected status policy %q", q.Status().ReleasePolicy)
			}
		})
	}
}

func TestOrphanedSegmentsCanBeReleased(t *testing.T) {
	ctx := testContext(t)
	q, _ := startQueue(t, msgqueue.Options{ReleasePolicy: msgqueue.ReleaseExplicit})
	alice, err := client.Dial(ctx, q.GetEndpointAddress(), client.Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	var ids []int32
	for range 2 {
		seg, err := alice.AllocateSharedMemory(ctx, 128)
		if err != nil {
			t.Fatalf("AllocateSharedMemory: %v", err)
		}
		seg.Close()
		ids = append(ids, seg.ID)
	}
	alice.Close()
	waitFor(t, "channel close", func() bool { return len(q.Channels()) == 0 })

	for _, info := range q.Segments() {
		if info.Owner != 0 {
			t.Fatalf("segment %d still attributed to closed channel %d", info.ID, info.Owner)
		}
	}

	bob := testsupport.MustDial(t, q.GetEndpointAddress())
	if err := bob.UpdateTexture2D(ctx, 7, 0, ids[0], 0, 16); !errors.Is(err, client.ErrRejected) {
		t.Fatalf("orphan update should be rejected, got %v", err)
	}
	if err := bob.UnregisterSharedMemory(ctx, ids[0]); err != nil {
		t.Fatalf("unregister orphan from another channel: %v", err)
	}
	if err := q.ReleaseSegment(ids[1]); err != nil {
		t.Fatalf("ReleaseSegment: %v", err)
	}
	if err := q.ReleaseSegment(ids[1]); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("second ReleaseSegment: expected ErrNotFound, got %v", err)
	}
	if n := len(q.Segments()); n != 0 {
		t.Fatalf("expected no segments, got %d", n)
	}
}

func TestRegisterRejectsUnsealedObject(t *testing.T) {
	ctx := testContext(t)
	q, _ := startQueue(t, msgqueue.Options{})
	c := testsupport.MustDial(t, q.GetEndpointAddress())

	fd, err := unix.MemfdCreate("unsealed", unix.MFD_CLOEXEC)
	if err != nil {
		t.Fatalf("memfd_create: %v", err)
	}
	defer unix.Close(fd)
	if err := unix.Ftruncate(fd, 4096); err != nil {
		t.Fatalf("ftruncate: %v", err)
	}
	if _, err := c.RegisterSharedMemory(ctx, fd, 4096); !errors.Is(err, client.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if n := len(q.Segments()); n != 0 {
		t.Fatalf("expected no segments, got %d", n)
	}
}

func TestQueueLifecycle(t *testing.T) {
	ctx := testContext(t)
	q, err := msgqueue.New(&testsupport.RecordingSink{}, msgqueue.Options{NamePrefix: "lifecycle"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !strings.HasPrefix(q.GetEndpointAddress(), "@lifecycle-") {
		t.Fatalf("unexpected address %q", q.GetEndpointAddress())
	}
	if _, err := q.CheckForNewMessages(ctx); !errors.Is(err, faults.ErrTransport) {
		t.Fatalf("expected error before Initialize, got %v", err)
	}
	if err := q.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := q.Initialize(); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	stats, err := q.CheckForNewMessages(ctx)
	if err != nil || !stats.Idle() {
		t.Fatalf("idle pass = %+v, %v", stats, err)
	}
	if st := q.Status(); !st.Initialized || st.Closed {
		t.Fatalf("unexpected status %+v", st)
	}

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := q.CheckForNewMessages(ctx); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := q.Initialize(); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed from Initialize, got %v", err)
	}
}

func TestFilesystemNamespace(t *testing.T) {
	dir := t.TempDir()
	q := testsupport.MustQueue(t, &testsupport.RecordingSink{}, msgqueue.Options{
		Namespace: msgqueue.NamespaceFilesystem,
		SocketDir: dir,
	})
	address := q.GetEndpointAddress()
	if filepath.Dir(address) != dir || !strings.HasSuffix(address, ".sock") {
		t.Fatalf("unexpected address %q", address)
	}
	if _, err := os.Stat(address); err != nil {
		t.Fatalf("expected socket file: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(address); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected socket removed, got %v", err)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	sink := &testsupport.RecordingSink{}
	if _, err := msgqueue.New(nil, msgqueue.Options{}); err == nil {
		t.Fatal("expected error for nil sink")
	}
	if _, err := msgqueue.New(sink, msgqueue.Options{Namespace: "network"}); err == nil {
		t.Fatal("expected error for unknown namespace")
	}
	if _, err := msgqueue.New(sink, msgqueue.Options{ReleasePolicy: "never"}); err == nil {
		t.Fatal("expected error for unknown release policy")
	}
	long := "@" + strings.Repeat("x", 200)
	if _, err := msgqueue.New(sink, msgqueue.Options{Address: long}); !errors.Is(err, faults.ErrTransport) {
		t.Fatalf("expected transport error for long address, got %v", err)
	}
}

func TestStatusCountsSegments(t *testing.T) {
	ctx := testContext(t)
	q, _ := startQueue(t, msgqueue.Options{})
	c := testsupport.MustDial(t, q.GetEndpointAddress())
	seg, err := c.AllocateSharedMemory(ctx, 4096)
	if err != nil {
		t.Fatalf("AllocateSharedMemory: %v", err)
	}
	defer seg.Close()

	st := q.Status()
	if st.Channels != 1 || st.Segments != 1 || st.SegmentBytes != 4096 {
		t.Fatalf("unexpected status %+v", st)
	}
	chans := q.Channels()
	if len(chans) != 1 || len(chans[0].Owned) != 1 || chans[0].Owned[0] != seg.ID {
		t.Fatalf("unexpected channel info %+v", chans)
	}
}
