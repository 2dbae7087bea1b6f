package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeQueue(); err != nil {
		return err
	}
	if err := c.normalizeStore(); err != nil {
		return err
	}
	c.normalizeTextures()
	c.normalizeLogging()
	c.normalizeMetrics()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.RuntimeDir) == "" {
		c.Paths.RuntimeDir = defaultRuntimeDir()
	}
	if c.Paths.RuntimeDir, err = expandPath(c.Paths.RuntimeDir); err != nil {
		return fmt.Errorf("paths.runtime_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeQueue() error {
	c.Queue.Address = strings.TrimSpace(c.Queue.Address)
	c.Queue.Namespace = strings.ToLower(strings.TrimSpace(c.Queue.Namespace))
	if c.Queue.Namespace == "" {
		c.Queue.Namespace = defaultNamespace
	}
	c.Queue.NamePrefix = strings.TrimSpace(c.Queue.NamePrefix)
	if c.Queue.NamePrefix == "" {
		c.Queue.NamePrefix = defaultNamePrefix
	}
	if strings.TrimSpace(c.Queue.SocketDir) == "" {
		c.Queue.SocketDir = c.Paths.RuntimeDir
	}
	var err error
	if c.Queue.SocketDir, err = expandPath(c.Queue.SocketDir); err != nil {
		return fmt.Errorf("queue.socket_dir: %w", err)
	}
	if c.Queue.PollIntervalMS <= 0 {
		c.Queue.PollIntervalMS = defaultPollIntervalMS
	}
	if c.Queue.MaxSegmentBytes == 0 {
		c.Queue.MaxSegmentBytes = defaultMaxSegmentBytes
	}
	c.Queue.ReleasePolicy = strings.ToLower(strings.TrimSpace(c.Queue.ReleasePolicy))
	if c.Queue.ReleasePolicy == "" {
		c.Queue.ReleasePolicy = defaultReleasePolicy
	}
	return nil
}

func (c *Config) normalizeStore() error {
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = defaultStoreBackend
	}
	if strings.TrimSpace(c.Store.SQLitePath) == "" {
		c.Store.SQLitePath = filepath.Join(c.Paths.DataDir, "textures.db")
	}
	var err error
	if c.Store.SQLitePath, err = expandPath(c.Store.SQLitePath); err != nil {
		return fmt.Errorf("store.sqlite_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeTextures() {
	for i := range c.Textures {
		c.Textures[i].Format = strings.ToUpper(strings.TrimSpace(c.Textures[i].Format))
		if c.Textures[i].Levels == 0 {
			c.Textures[i].Levels = 1
		}
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	if value, ok := os.LookupEnv("SHMQ_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	for name, level := range c.Logging.ComponentLevels {
		c.Logging.ComponentLevels[name] = strings.ToLower(strings.TrimSpace(level))
	}
}

func (c *Config) normalizeMetrics() {
	c.Metrics.Namespace = strings.TrimSpace(c.Metrics.Namespace)
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = defaultMetricsNS
	}
}
