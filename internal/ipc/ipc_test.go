package ipc_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"shmq/internal/daemon"
	"shmq/internal/ipc"
	"shmq/internal/logging"
	"shmq/internal/testsupport"
)

func startServer(t *testing.T) (*daemon.Daemon, *ipc.Client, string) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()
	d, err := daemon.New(cfg, store, logger)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	socket := cfg.SocketPath()
	srv, err := ipc.NewServer(ctx, socket, d, logger)
	if err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping IPC server test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	t.Cleanup(func() {
		srv.Close()
	})

	client, err := ipc.Dial(socket)
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
	})
	return d, client, socket
}

func TestIPCServerClient(t *testing.T) {
	d, client, _ := startServer(t)

	status, err := client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if status.Running {
		t.Fatal("expected daemon to be idle before Start")
	}
	if status.PID != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), status.PID)
	}

	startResp, err := client.Start()
	if err != nil {
		t.Fatalf("Start RPC failed: %v", err)
	}
	if !startResp.Started || startResp.Address == "" {
		t.Fatalf("expected Started=true with address, got %#v", startResp)
	}

	again, err := client.Start()
	if err != nil {
		t.Fatalf("second Start RPC failed: %v", err)
	}
	if again.Started || again.Message != daemon.ErrAlreadyRunning.Error() {
		t.Fatalf("expected already-running message, got %#v", again)
	}

	status, err = client.Status()
	if err != nil {
		t.Fatalf("Status RPC failed: %v", err)
	}
	if !status.Running || status.Address != d.Address() || !status.Queue.Initialized {
		t.Fatalf("unexpected running status %#v", status)
	}
	if len(status.Textures) != 1 || status.Textures[0].Format != "ARGB8" {
		t.Fatalf("expected configured texture, got %#v", status.Textures)
	}
	if len(status.Metrics) == 0 {
		t.Fatal("expected metric samples in status")
	}

	stopResp, err := client.Stop()
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !stopResp.Stopped {
		t.Fatalf("expected Stop to report stopped, got: %#v", stopResp)
	}
	status, err = client.Status()
	if err != nil {
		t.Fatalf("Status after stop: %v", err)
	}
	if status.Running || status.Address != "" {
		t.Fatalf("expected stopped status, got %#v", status)
	}
}

func TestIPCChannelsAndSegments(t *testing.T) {
	d, client, _ := startServer(t)
	if _, err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := testsupport.MustDial(t, d.Address())
	seg, err := c.AllocateSharedMemory(ctx, 4096)
	if err != nil {
		t.Fatalf("AllocateSharedMemory: %v", err)
	}
	defer seg.Close()

	chResp, err := client.Channels()
	if err != nil {
		t.Fatalf("Channels RPC: %v", err)
	}
	if len(chResp.Channels) != 1 {
		t.Fatalf("expected one channel, got %#v", chResp.Channels)
	}
	if owned := chResp.Channels[0].Owned; len(owned) != 1 || owned[0] != seg.ID {
		t.Fatalf("expected channel to own segment %d, got %v", seg.ID, owned)
	}

	segResp, err := client.Segments()
	if err != nil {
		t.Fatalf("Segments RPC: %v", err)
	}
	if len(segResp.Segments) != 1 || segResp.Segments[0].Size != 4096 || segResp.Segments[0].Origin != "allocated" {
		t.Fatalf("unexpected segments %#v", segResp.Segments)
	}

	if _, err := client.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	segResp, err = client.Segments()
	if err != nil {
		t.Fatalf("Segments RPC after stop: %v", err)
	}
	if len(segResp.Segments) != 0 {
		t.Fatalf("expected no segments after stop, got %#v", segResp.Segments)
	}
}

func TestIPCTextures(t *testing.T) {
	d, client, _ := startServer(t)
	if _, err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	def, err := client.DefineTexture(ipc.Texture{ID: 11, Width: 2, Height: 2, Format: "r32f", Levels: 2})
	if err != nil {
		t.Fatalf("DefineTexture: %v", err)
	}
	if !def.Defined {
		t.Fatal("expected texture to be defined")
	}
	if _, err := client.DefineTexture(ipc.Texture{ID: 12, Width: 2, Height: 2, Format: "rgb565", Levels: 1}); err == nil {
		t.Fatal("expected unknown format to be rejected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c := testsupport.MustDial(t, d.Address())
	seg, err := c.AllocateSharedMemory(ctx, 16)
	if err != nil {
		t.Fatalf("AllocateSharedMemory: %v", err)
	}
	defer seg.Close()
	if err := c.UpdateTexture2D(ctx, 11, 0, seg.ID, 0, 16); err != nil {
		t.Fatalf("UpdateTexture2D: %v", err)
	}

	resp, err := client.Textures()
	if err != nil {
		t.Fatalf("Textures RPC: %v", err)
	}
	var found *ipc.Texture
	for i := range resp.Textures {
		if resp.Textures[i].ID == 11 {
			found = &resp.Textures[i]
		}
	}
	if found == nil {
		t.Fatalf("texture 11 missing from %#v", resp.Textures)
	}
	if found.Format != "R32F" || len(found.Written) != 2 || !found.Written[0] || found.Written[1] {
		t.Fatalf("unexpected texture 11 %#v", found)
	}
}

func TestServerCloseRemovesSocket(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	d, err := daemon.New(cfg, testsupport.MustOpenStore(t, cfg), nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	defer d.Close()
	srv, err := ipc.NewServer(context.Background(), cfg.SocketPath(), d, nil)
	if err != nil {
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	srv.Close()
	if _, err := os.Stat(cfg.SocketPath()); !os.IsNotExist(err) {
		t.Fatalf("expected socket removed, got %v", err)
	}
	if _, err := ipc.Dial(cfg.SocketPath()); err == nil {
		t.Fatal("expected dial to fail after close")
	}
}

func TestNewServerRequiresDaemon(t *testing.T) {
	if _, err := ipc.NewServer(context.Background(), "/tmp/unused.sock", nil, nil); err == nil {
		t.Fatal("expected error without daemon")
	}
}

func TestShutdownInvokesHook(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	d, err := daemon.New(cfg, testsupport.MustOpenStore(t, cfg), nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	defer d.Close()

	called := make(chan struct{})
	srv, err := ipc.NewServer(context.Background(), cfg.SocketPath(), d, nil,
		ipc.WithShutdown(func() { close(called) }))
	if err != nil {
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()
	defer srv.Close()

	client, err := ipc.Dial(cfg.SocketPath())
	if err != nil {
		t.Fatalf("ipc.Dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-called:
		t.Fatal("plain Stop must not trigger shutdown")
	case <-time.After(100 * time.Millisecond):
	}

	resp, err := client.Shutdown()
	if err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !resp.Stopped {
		t.Fatal("expected stopped response")
	}
	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hook was not called")
	}
}
