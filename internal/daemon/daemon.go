package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"shmq/internal/channels"
	"shmq/internal/config"
	"shmq/internal/logging"
	"shmq/internal/metrics"
	"shmq/internal/msgqueue"
	"shmq/internal/registry"
	"shmq/internal/texstore"
	"shmq/internal/transport"
)

// ErrAlreadyRunning is returned by Start on a daemon that is already serving.
var ErrAlreadyRunning = errors.New("daemon already running")

// ErrNotRunning is returned by operations that need a bound queue.
var ErrNotRunning = errors.New("daemon not running")

// maxPassesPerTick bounds how many back-to-back drain passes one tick may
// run while traffic keeps arriving.
const maxPassesPerTick = 64

// Daemon owns the message queue host and enforces single-instance execution
// per runtime directory.
type Daemon struct {
	cfg     *config.Config
	store   texstore.Store
	base    *slog.Logger
	logger  *slog.Logger
	metrics *metrics.Metrics

	lockPath string
	lock     *flock.Flock

	mu        sync.Mutex
	queue     *msgqueue.Queue
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	statsMu sync.Mutex
	totals  msgqueue.Stats
	lastErr string

	running atomic.Bool
}

// Status represents daemon runtime information.
type Status struct {
	Running    bool
	PID        int
	Address    string
	LockPath   string
	StartedAt  time.Time
	Queue      msgqueue.Status
	Totals     msgqueue.Stats
	LastError  string
	Store      string
	StorePath  string
	Textures   []texstore.Texture
	Metrics    []metrics.Sample
	MetricsErr string
}

// New constructs a daemon around an opened texture store. logger should not
// carry a component tag; the daemon and the queue add their own.
func New(cfg *config.Config, store texstore.Store, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || store == nil {
		return nil, errors.New("daemon requires config and texture store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(metrics.WithNamespace(cfg.Metrics.Namespace))
	}
	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:      cfg,
		store:    store,
		base:     logger,
		logger:   logging.ForComponent(logger, "daemon", cfg.Logging.ComponentLevels),
		metrics:  m,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the daemon lock, binds a fresh rendezvous endpoint and
// begins draining it at the configured poll interval.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return ErrAlreadyRunning
	}

	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o700); err != nil {
		return fmt.Errorf("create runtime directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another shmq daemon instance is already running")
	}

	q, err := msgqueue.New(d.store, d.queueOptions())
	if err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("create queue: %w", err)
	}
	if err := q.Initialize(); err != nil {
		_ = q.Close()
		_ = d.lock.Unlock()
		return fmt.Errorf("initialize queue: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.queue = q
	d.cancel = cancel
	d.done = make(chan struct{})
	d.startedAt = time.Now()
	d.statsMu.Lock()
	d.totals = msgqueue.Stats{}
	d.lastErr = ""
	d.statsMu.Unlock()

	go d.drain(runCtx, q, d.done)

	d.running.Store(true)
	d.logger.Info("shmq daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String(logging.FieldAddress, q.GetEndpointAddress()),
		logging.String("lock", d.lockPath),
		logging.Duration("poll_interval", d.cfg.PollInterval()),
	)
	return nil
}

func (d *Daemon) queueOptions() msgqueue.Options {
	q := d.cfg.Queue
	var maxSegment uint64
	if q.MaxSegmentBytes > 0 {
		maxSegment = uint64(q.MaxSegmentBytes)
	}
	return msgqueue.Options{
		Address:         q.Address,
		Namespace:       q.Namespace,
		SocketDir:       q.SocketDir,
		NamePrefix:      q.NamePrefix,
		MaxChannels:     q.MaxChannels,
		MaxSegmentSize:  maxSegment,
		ReleasePolicy:   q.ReleasePolicy,
		Logger:          d.base,
		ComponentLevels: d.cfg.Logging.ComponentLevels,
		Metrics:         d.metrics,
	}
}

// drain runs CheckForNewMessages on every tick, repeating within a tick
// while passes keep finding work.
func (d *Daemon) drain(ctx context.Context, q *msgqueue.Queue, done chan<- struct{}) {
	defer close(done)
	interval := d.cfg.PollInterval()
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for range maxPassesPerTick {
			stats, err := q.CheckForNewMessages(ctx)
			d.record(stats, err)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
					return
				}
				break
			}
			if stats.Idle() {
				break
			}
		}
	}
}

func (d *Daemon) record(stats msgqueue.Stats, err error) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	d.totals.Add(stats)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	msg := err.Error()
	if msg == d.lastErr {
		return
	}
	d.lastErr = msg
	logging.ErrorWithContext(d.logger, "rendezvous drain failed", "drain_failed",
		logging.Error(err),
		logging.String(logging.FieldImpact, "new clients cannot connect until the endpoint recovers"),
		logging.String(logging.FieldErrorHint, "restart the daemon with shmq stop && shmq start"),
	)
}

// Stop halts the drain loop, closes every channel and segment, and releases
// the daemon lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.done != nil {
		<-d.done
		d.done = nil
	}
	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			logging.WarnWithContext(d.logger, "queue close reported an error", "queue_close_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "a filesystem rendezvous socket may be left behind"),
			)
		}
		d.queue = nil
	}
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "lock_release_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "a later start may report another running instance"),
			logging.String(logging.FieldErrorHint, "remove "+d.lockPath+" if no daemon is running"),
		)
	}
	d.running.Store(false)
	d.logger.Info("shmq daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Running reports whether the queue is being served.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Address returns the live rendezvous address, or "" when stopped.
func (d *Daemon) Address() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue == nil {
		return ""
	}
	return d.queue.GetEndpointAddress()
}

// Metrics returns the shared collectors, or nil when metrics are disabled.
func (d *Daemon) Metrics() *metrics.Metrics {
	return d.metrics
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:   d.running.Load(),
		PID:       os.Getpid(),
		LockPath:  d.lockPath,
		Store:     d.cfg.Store.Backend,
		StorePath: d.storePath(),
	}

	d.mu.Lock()
	if d.queue != nil {
		status.Queue = d.queue.Status()
		status.Address = status.Queue.Address
		status.StartedAt = d.startedAt
	}
	d.mu.Unlock()

	d.statsMu.Lock()
	status.Totals = d.totals
	status.LastError = d.lastErr
	d.statsMu.Unlock()

	if textures, err := d.store.Textures(ctx); err == nil {
		status.Textures = textures
	} else {
		d.logger.Debug("texture listing failed", logging.Error(err))
	}
	if d.metrics != nil {
		samples, err := d.metrics.Samples()
		if err != nil {
			status.MetricsErr = err.Error()
		}
		status.Metrics = samples
	}
	return status
}

func (d *Daemon) storePath() string {
	if d.cfg.Store.Backend == "sqlite" {
		return d.cfg.Store.SQLitePath
	}
	return ""
}

// Channels lists live private channels. It is empty while stopped.
func (d *Daemon) Channels() []channels.Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue == nil {
		return nil
	}
	return d.queue.Channels()
}

// Segments lists registered shared-memory segments. It is empty while
// stopped.
func (d *Daemon) Segments() []registry.SegmentInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue == nil {
		return nil
	}
	return d.queue.Segments()
}

// ReleaseSegment unregisters segment id whatever channel it is attributed
// to. It is the operator's way to reclaim segments left behind by closed
// channels under the explicit release policy.
func (d *Daemon) ReleaseSegment(id int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue == nil {
		return ErrNotRunning
	}
	return d.queue.ReleaseSegment(id)
}

// CreateTexture defines or redefines a texture in the store.
func (d *Daemon) CreateTexture(ctx context.Context, tex texstore.Texture) error {
	if err := d.store.CreateTexture(ctx, tex); err != nil {
		return err
	}
	d.logger.Info("texture defined",
		logging.String(logging.FieldEventType, "texture_defined"),
		logging.Uint64(logging.FieldResourceID, uint64(tex.ID)),
		logging.Int("width", tex.Width),
		logging.Int("height", tex.Height),
		logging.String("format", string(tex.Format)),
		logging.Int("levels", tex.Levels),
	)
	return nil
}

// Textures lists defined textures.
func (d *Daemon) Textures(ctx context.Context) ([]texstore.Texture, error) {
	return d.store.Textures(ctx)
}

// ReadTexture returns a copy of one stored level.
func (d *Daemon) ReadTexture(ctx context.Context, id uint32, level int32) ([]byte, error) {
	return d.store.Read(ctx, id, level)
}
