package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultConfigPath      = "~/.config/shmq/config.toml"
	defaultLogDir          = "~/.local/state/shmq/logs"
	defaultDataDir         = "~/.local/share/shmq"
	defaultNamespace       = "abstract"
	defaultNamePrefix      = "shmq"
	defaultPollIntervalMS  = 1
	defaultMaxChannels     = 64
	defaultMaxSegmentBytes = 256 << 20
	defaultReleasePolicy   = "explicit"
	defaultStoreBackend    = "memory"
	defaultLogFormat       = "console"
	defaultLogLevel        = "info"
	defaultMetricsNS       = "shmq"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			RuntimeDir: defaultRuntimeDir(),
			LogDir:     defaultLogDir,
			DataDir:    defaultDataDir,
		},
		Queue: Queue{
			Namespace:       defaultNamespace,
			NamePrefix:      defaultNamePrefix,
			PollIntervalMS:  defaultPollIntervalMS,
			MaxChannels:     defaultMaxChannels,
			MaxSegmentBytes: defaultMaxSegmentBytes,
			ReleasePolicy:   defaultReleasePolicy,
		},
		Store: Store{
			Backend: defaultStoreBackend,
		},
		Textures: []Texture{
			{ID: 7, Width: 128, Height: 128, Format: "ARGB8", Levels: 1},
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Metrics: Metrics{
			Enabled:   true,
			Namespace: defaultMetricsNS,
		},
	}
}

func defaultRuntimeDir() string {
	if base, ok := os.LookupEnv("XDG_RUNTIME_DIR"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "shmq")
	}
	return "~/.local/state/shmq/run"
}
