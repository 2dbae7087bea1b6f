package testsupport

import (
	"path/filepath"
	"testing"

	"shmq/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.RuntimeDir = filepath.Join(base, "run")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Queue.SocketDir = cfgVal.Paths.RuntimeDir
	cfgVal.Queue.NamePrefix = "shmq-test"
	cfgVal.Store.SQLitePath = filepath.Join(base, "data", "textures.db")
	cfgVal.Metrics.Enabled = true

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return builder.cfg
}

// WithSQLiteStore switches the texture store to SQLite.
func WithSQLiteStore() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Store.Backend = "sqlite"
	}
}

// WithReleasePolicy sets queue.release_policy.
func WithReleasePolicy(policy string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.ReleasePolicy = policy
	}
}

// WithMaxChannels caps concurrent channels.
func WithMaxChannels(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.MaxChannels = n
	}
}

// WithFilesystemNamespace binds the rendezvous socket under the runtime dir.
func WithFilesystemNamespace() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.Namespace = "filesystem"
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.RuntimeDir)
}
