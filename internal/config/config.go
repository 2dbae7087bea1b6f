package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	RuntimeDir string `toml:"runtime_dir"`
	LogDir     string `toml:"log_dir"`
	DataDir    string `toml:"data_dir"`
}

// Queue contains rendezvous naming, polling and resource limits.
type Queue struct {
	// Address pins the rendezvous address; empty generates one per start.
	Address         string `toml:"address"`
	Namespace       string `toml:"namespace"`
	SocketDir       string `toml:"socket_dir"`
	NamePrefix      string `toml:"name_prefix"`
	PollIntervalMS  int    `toml:"poll_interval_ms"`
	MaxChannels     int    `toml:"max_channels"`
	MaxSegmentBytes int64  `toml:"max_segment_bytes"`
	ReleasePolicy   string `toml:"release_policy"`
}

// Store selects the texture store that receives updates.
type Store struct {
	Backend    string `toml:"backend"`
	SQLitePath string `toml:"sqlite_path"`
}

// Texture is created in the store when the daemon starts.
type Texture struct {
	ID     uint32 `toml:"id"`
	Width  int    `toml:"width"`
	Height int    `toml:"height"`
	Format string `toml:"format"`
	Levels int    `toml:"levels"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	// ComponentLevels raises the minimum level for individual components,
	// keyed by the component attribute (for example "channels").
	ComponentLevels map[string]string `toml:"component_levels"`
}

// Metrics controls Prometheus instrumentation.
type Metrics struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// Config encapsulates all configuration values for shmq.
//
// Configuration sections by subsystem:
//   - Paths: runtime sockets, logs and persistent data
//   - Queue: rendezvous endpoint, polling cadence and limits
//   - Store: texture store backend
//   - Textures: textures pre-created in the store
//   - Logging: log format and level
//   - Metrics: Prometheus collectors
type Config struct {
	Paths    Paths     `toml:"paths"`
	Queue    Queue     `toml:"queue"`
	Store    Store     `toml:"store"`
	Textures []Texture `toml:"textures"`
	Logging  Logging   `toml:"logging"`
	Metrics  Metrics   `toml:"metrics"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		// Array tables append to a populated slice, so the default textures
		// only apply when the file declares none.
		cfg.Textures = nil
		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
		if cfg.Textures == nil {
			cfg.Textures = Default().Textures
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("shmq.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.RuntimeDir, c.Paths.LogDir}
	if c.Queue.Namespace == "filesystem" {
		dirs = append(dirs, c.Queue.SocketDir)
	}
	if c.Store.Backend == "sqlite" {
		dirs = append(dirs, filepath.Dir(c.Store.SQLitePath))
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	// The runtime dir holds the control socket; keep it private.
	if err := os.Chmod(c.Paths.RuntimeDir, 0o700); err != nil {
		return fmt.Errorf("restrict runtime directory: %w", err)
	}
	return nil
}

// SocketPath is the control-plane socket.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "shmq.sock")
}

// LockPath guards against two daemons sharing a runtime directory.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "shmq.lock")
}

// PIDPath records the running daemon's process id.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "shmqd.pid")
}

// DaemonLogPath is where a background daemon writes its log.
func (c *Config) DaemonLogPath() string {
	return filepath.Join(c.Paths.LogDir, "shmqd.log")
}

// PollInterval is the drain cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollIntervalMS) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
