package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"shmq/internal/daemon"
	"shmq/internal/logging"
	"shmq/internal/texstore"
)

// ServiceName prefixes every RPC method.
const ServiceName = "Shmq"

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	daemon    *daemon.Daemon
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ServerOption customizes a Server.
type ServerOption func(*service)

// WithShutdown installs the hook run when a client asks the daemon process
// to exit.
func WithShutdown(fn func()) ServerOption {
	return func(s *service) {
		s.shutdown = fn
	}
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logger, ctx: ctx}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}
	if err := rpcServer.RegisterName(ServiceName, srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		daemon:    d,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		logging.WarnWithContext(s.logger, "failed to remove socket", "ipc_socket_cleanup_failed",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually or rerun shmq stop"))
	}
}

type service struct {
	daemon   *daemon.Daemon
	logger   *slog.Logger
	ctx      context.Context
	shutdown func()
}

// request tags one call with a fresh correlation id.
func (s *service) request(method string) (context.Context, *slog.Logger) {
	ctx := logging.ContextWithCorrelationID(s.ctx, uuid.NewString())
	return ctx, logging.WithContext(ctx, s.logger).With(logging.String("method", method))
}

func (s *service) Start(_ StartRequest, resp *StartResponse) error {
	_, log := s.request("Start")
	log.Debug("daemon start requested")
	// The daemon outlives this call, so it runs under the server context.
	if err := s.daemon.Start(s.ctx); err != nil {
		resp.Started = false
		resp.Message = err.Error()
		resp.Address = s.daemon.Address()
		return nil
	}
	resp.Started = true
	resp.Address = s.daemon.Address()
	resp.Message = "daemon started"
	log.Info("daemon started via IPC",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.String(logging.FieldAddress, resp.Address))
	return nil
}

func (s *service) Stop(req StopRequest, resp *StopResponse) error {
	_, log := s.request("Stop")
	log.Debug("daemon stop requested", logging.Bool("shutdown", req.Shutdown))
	s.daemon.Stop()
	resp.Stopped = true
	log.Info("daemon stopped via IPC",
		logging.String(logging.FieldEventType, "daemon_stop"))
	if req.Shutdown && s.shutdown != nil {
		// Let the response flush before the process starts tearing down.
		time.AfterFunc(50*time.Millisecond, s.shutdown)
	}
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	ctx, log := s.request("Status")
	status := s.daemon.Status(ctx)
	resp.Running = status.Running
	resp.PID = status.PID
	resp.Address = status.Address
	resp.LockPath = status.LockPath
	resp.StartedAt = status.StartedAt
	resp.Queue = status.Queue
	resp.Totals = status.Totals
	resp.LastError = status.LastError
	resp.Store = status.Store
	resp.StorePath = status.StorePath
	resp.Metrics = status.Metrics
	resp.Textures = make([]Texture, 0, len(status.Textures))
	for _, tex := range status.Textures {
		resp.Textures = append(resp.Textures, textureToWire(tex))
	}
	if status.MetricsErr != "" {
		log.Debug("metric gather failed", logging.String(logging.FieldReason, status.MetricsErr))
	}
	return nil
}

func (s *service) Channels(_ ChannelsRequest, resp *ChannelsResponse) error {
	resp.Channels = s.daemon.Channels()
	if resp.Channels == nil {
		resp.Channels = []Channel{}
	}
	return nil
}

func (s *service) Segments(_ SegmentsRequest, resp *SegmentsResponse) error {
	resp.Segments = s.daemon.Segments()
	if resp.Segments == nil {
		resp.Segments = []Segment{}
	}
	return nil
}

func (s *service) ReleaseSegment(req ReleaseSegmentRequest, resp *ReleaseSegmentResponse) error {
	_, log := s.request("ReleaseSegment")
	if err := s.daemon.ReleaseSegment(req.ID); err != nil {
		return err
	}
	resp.Released = true
	log.Debug("segment released via IPC", logging.SegmentID(req.ID))
	return nil
}

func (s *service) Textures(_ TexturesRequest, resp *TexturesResponse) error {
	ctx, _ := s.request("Textures")
	textures, err := s.daemon.Textures(ctx)
	if err != nil {
		return err
	}
	resp.Textures = make([]Texture, 0, len(textures))
	for _, tex := range textures {
		wire := textureToWire(tex)
		wire.Written = make([]bool, tex.Levels)
		for level := range tex.Levels {
			data, err := s.daemon.ReadTexture(ctx, tex.ID, int32(level))
			if err != nil {
				return err
			}
			wire.Written[level] = data != nil
		}
		resp.Textures = append(resp.Textures, wire)
	}
	return nil
}

func (s *service) DefineTexture(req DefineTextureRequest, resp *DefineTextureResponse) error {
	ctx, log := s.request("DefineTexture")
	tex, err := textureFromWire(req.Texture)
	if err != nil {
		return err
	}
	if err := s.daemon.CreateTexture(ctx, tex); err != nil {
		return err
	}
	resp.Defined = true
	log.Debug("texture defined via IPC", logging.Uint64(logging.FieldResourceID, uint64(tex.ID)))
	return nil
}

func textureToWire(tex texstore.Texture) Texture {
	return Texture{
		ID:     tex.ID,
		Width:  tex.Width,
		Height: tex.Height,
		Format: string(tex.Format),
		Levels: tex.Levels,
	}
}

func textureFromWire(tex Texture) (texstore.Texture, error) {
	format, err := texstore.ParseFormat(tex.Format)
	if err != nil {
		return texstore.Texture{}, err
	}
	return texstore.Texture{
		ID:     tex.ID,
		Width:  tex.Width,
		Height: tex.Height,
		Format: format,
		Levels: tex.Levels,
	}, nil
}
