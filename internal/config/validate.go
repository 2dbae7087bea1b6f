package config

import (
	"errors"
	"fmt"
	"strings"
)

// TextureFormats lists the pixel formats the texture store understands.
var TextureFormats = []string{"ARGB8", "XRGB8", "ABGR16F", "R32F", "ABGR32F"}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateTextures(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Namespace {
	case "abstract", "filesystem":
	default:
		return fmt.Errorf("queue.namespace must be abstract or filesystem, got %q", c.Queue.Namespace)
	}
	switch c.Queue.ReleasePolicy {
	case "explicit", "on_close":
	default:
		return fmt.Errorf("queue.release_policy must be explicit or on_close, got %q", c.Queue.ReleasePolicy)
	}
	if strings.ContainsAny(c.Queue.NamePrefix, "/@") {
		return fmt.Errorf("queue.name_prefix must not contain '/' or '@', got %q", c.Queue.NamePrefix)
	}
	if c.Queue.MaxChannels < 0 {
		return errors.New("queue.max_channels must be zero (unlimited) or positive")
	}
	if c.Queue.MaxSegmentBytes < 0 {
		return errors.New("queue.max_segment_bytes must be positive")
	}
	if c.Queue.PollIntervalMS > 1000 {
		return errors.New("queue.poll_interval_ms must be at most 1000")
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Backend {
	case "memory", "sqlite":
		return nil
	default:
		return fmt.Errorf("store.backend must be memory or sqlite, got %q", c.Store.Backend)
	}
}

func (c *Config) validateTextures() error {
	seen := make(map[uint32]bool, len(c.Textures))
	for i, tex := range c.Textures {
		if seen[tex.ID] {
			return fmt.Errorf("textures[%d]: duplicate id %d", i, tex.ID)
		}
		seen[tex.ID] = true
		if tex.Width <= 0 || tex.Height <= 0 {
			return fmt.Errorf("textures[%d]: width and height must be positive", i)
		}
		if tex.Levels < 1 || tex.Levels > 16 {
			return fmt.Errorf("textures[%d]: levels must be between 1 and 16", i)
		}
		if !knownFormat(tex.Format) {
			return fmt.Errorf("textures[%d]: unsupported format %q (want one of %s)", i, tex.Format, strings.Join(TextureFormats, ", "))
		}
	}
	return nil
}

func knownFormat(format string) bool {
	for _, f := range TextureFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (c *Config) validateLogging() error {
	if !knownLevel(c.Logging.Level) {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	for name, level := range c.Logging.ComponentLevels {
		if !knownLevel(level) {
			return fmt.Errorf("logging.component_levels.%s %q is not one of debug, info, warn, error", name, level)
		}
	}
	return nil
}

func knownLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
