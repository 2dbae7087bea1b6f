package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"shmq/internal/config"
	"shmq/internal/daemon"
	"shmq/internal/ipc"
	"shmq/internal/logging"
	"shmq/internal/texstore"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	Diagnostic  bool
	// Ready, when set, receives the daemon once the control socket is up.
	Ready func(*daemon.Daemon)
}

// Run starts the shmq daemon and blocks until ctx is canceled, a signal
// arrives, or a client requests shutdown.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", cfg.DaemonLogPath()},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if opts.Diagnostic {
		logger = withDiagnostics(logger, cfg)
	}
	base := logger
	levels := cfg.Logging.ComponentLevels
	logger = logging.ForComponent(base, "daemon", levels)

	logHostSnapshot(logger, cfg)
	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := texstore.Open(signalCtx, cfg)
	if err != nil {
		logging.ErrorWithContext(logger, "open texture store", "store_open_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check store.backend and store.sqlite_path"),
		)
		return err
	}

	d, err := daemon.New(cfg, store, base)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("create daemon: %w", err)
	}
	defer d.Close()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.SocketPath(), d,
		logging.WithComponentLevel(base, "ipc", levels), ipc.WithShutdown(cancel))
	if err != nil {
		return fmt.Errorf("start IPC server: %w", err)
	}
	defer ipcServer.Close()
	ipcServer.Serve()

	if err := d.Start(signalCtx); err != nil {
		logging.WarnWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check queue settings and that no other daemon owns "+cfg.LockPath()),
			logging.String(logging.FieldImpact, "clients cannot connect until the queue is started"),
		)
	}
	if opts.Ready != nil {
		opts.Ready(d)
	}

	<-signalCtx.Done()
	logger.Info("shmq daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

// withDiagnostics tees every record at debug level into a per-run JSON file.
func withDiagnostics(logger *slog.Logger, cfg *config.Config) *slog.Logger {
	sessionID := uuid.NewString()
	runID := time.Now().UTC().Format("20060102T150405.000Z")
	debugDir := filepath.Join(cfg.Paths.LogDir, "debug")
	debugLogPath := filepath.Join(debugDir, fmt.Sprintf("shmqd-%s.log", runID))

	debugLogger, err := logging.New(logging.Options{
		Level:       "debug",
		Format:      "json",
		OutputPaths: []string{debugLogPath},
		Development: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to initialize debug logger: %v\n", err)
		return logger
	}
	logger = logging.TeeLogger(logger, debugLogger.Handler()).With(logging.String("session_id", sessionID))
	if err := ensureCurrentLogPointer(debugDir, debugLogPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update debug/shmqd.log link: %v\n", err)
	}
	logger.Info("diagnostic mode enabled",
		logging.String(logging.FieldEventType, "diagnostic_mode_enabled"),
		logging.String("debug_log_path", debugLogPath),
	)
	return logger
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "shmqd.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logHostSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	logger.Info("host snapshot",
		logging.String(logging.FieldEventType, "host_snapshot"),
		logging.String("namespace", cfg.Queue.Namespace),
		logging.String("release_policy", cfg.Queue.ReleasePolicy),
		logging.Int("max_channels", cfg.Queue.MaxChannels),
		logging.Int64("max_segment_bytes", cfg.Queue.MaxSegmentBytes),
		logging.Duration("poll_interval", cfg.PollInterval()),
		logging.String("store", cfg.Store.Backend),
		logging.Int("textures", len(cfg.Textures)),
		logging.Bool("metrics_enabled", cfg.Metrics.Enabled),
		logging.String("socket", cfg.SocketPath()),
	)
}
