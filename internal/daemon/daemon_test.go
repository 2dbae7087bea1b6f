package daemon_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"shmq/internal/daemon"
	"shmq/internal/logging"
	"shmq/internal/testsupport"
	"shmq/internal/texstore"
)

func newDaemon(t *testing.T, opts ...testsupport.ConfigOption) *daemon.Daemon {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	d, err := daemon.New(cfg, store, logging.NewNop())
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
	})
	return d
}

func TestDaemonStartStop(t *testing.T) {
	d := newDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.Address == "" || status.Address != d.Address() {
		t.Fatalf("unexpected address %q (daemon reports %q)", status.Address, d.Address())
	}
	if !status.Queue.Initialized {
		t.Fatal("expected initialized queue")
	}
	if len(status.Textures) != 1 || status.Textures[0].ID != 7 {
		t.Fatalf("expected configured texture 7, got %+v", status.Textures)
	}

	if err := d.Start(ctx); !errors.Is(err, daemon.ErrAlreadyRunning) {
		t.Fatalf("expected second start to fail with ErrAlreadyRunning, got %v", err)
	}

	d.Stop()
	status = d.Status(ctx)
	if status.Running {
		t.Fatal("expected daemon to be stopped")
	}
	if status.Address != "" || d.Channels() != nil || d.Segments() != nil {
		t.Fatalf("expected empty state after stop, got %+v", status)
	}
}

func TestDaemonLockPreventsSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first, err := daemon.New(cfg, texstore.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { first.Close() })
	second, err := daemon.New(cfg, texstore.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { second.Close() })

	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := second.Start(ctx); err == nil {
		t.Fatal("expected lock conflict for second daemon")
	}
	first.Stop()
	if err := second.Start(ctx); err != nil {
		t.Fatalf("second Start after release: %v", err)
	}
}

func TestDaemonServesClients(t *testing.T) {
	d := newDaemon(t, testsupport.WithSQLiteStore())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c := testsupport.MustDial(t, d.Address())
	seg, err := c.AllocateSharedMemory(ctx, 65536)
	if err != nil {
		t.Fatalf("AllocateSharedMemory: %v", err)
	}
	defer seg.Close()
	mem, err := seg.Map()
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	testsupport.FillPattern(mem, 3)
	if err := c.UpdateTexture2D(ctx, 7, 0, seg.ID, 0, 65536); err != nil {
		t.Fatalf("UpdateTexture2D: %v", err)
	}

	got, err := d.ReadTexture(ctx, 7, 0)
	if err != nil {
		t.Fatalf("ReadTexture: %v", err)
	}
	if !bytes.Equal(got, mem) {
		t.Fatal("stored level does not match shared memory contents")
	}

	if n := len(d.Channels()); n != 1 {
		t.Fatalf("expected one channel, got %d", n)
	}
	segments := d.Segments()
	if len(segments) != 1 || segments[0].ID != seg.ID || segments[0].Size != 65536 {
		t.Fatalf("unexpected segments %+v", segments)
	}

	status := d.Status(ctx)
	if status.Totals.Handshakes != 1 || status.Totals.Requests < 1 {
		t.Fatalf("unexpected totals %+v", status.Totals)
	}
	if len(status.Metrics) == 0 {
		t.Fatal("expected metric samples")
	}
	if status.Store != "sqlite" || status.StorePath == "" {
		t.Fatalf("expected sqlite store details, got %q %q", status.Store, status.StorePath)
	}
}

func TestDaemonRestartBindsFreshEndpoint(t *testing.T) {
	d := newDaemon(t)
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := d.Address()
	d.Stop()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if d.Address() == "" || d.Address() == first {
		t.Fatalf("expected a fresh generated address, got %q after %q", d.Address(), first)
	}
}

func TestDaemonCreateTexture(t *testing.T) {
	d := newDaemon(t)
	ctx := context.Background()
	tex := texstore.Texture{ID: 9, Width: 4, Height: 4, Format: texstore.FormatR32F, Levels: 2}
	if err := d.CreateTexture(ctx, tex); err != nil {
		t.Fatalf("CreateTexture: %v", err)
	}
	textures, err := d.Textures(ctx)
	if err != nil {
		t.Fatalf("Textures: %v", err)
	}
	found := false
	for _, got := range textures {
		if got.ID == 9 {
			found = got == tex
		}
	}
	if !found {
		t.Fatalf("texture 9 missing or altered: %+v", textures)
	}

	bad := texstore.Texture{ID: 10, Width: 0, Height: 4, Format: texstore.FormatR32F, Levels: 1}
	if err := d.CreateTexture(ctx, bad); err == nil {
		t.Fatal("expected invalid texture to be rejected")
	}
}

func TestNewRequiresStore(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if _, err := daemon.New(cfg, nil, nil); err == nil {
		t.Fatal("expected error without store")
	}
}
