// Package config loads the Context-level runtime configuration from a
// declarative TOML file rather than a hand-rolled flag/env parser.
package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/smartnic-emu/snapctrl/internal/errkind"
	"github.com/smartnic-emu/snapctrl/pkg/device"
)

// Config is the process-level configuration surface for one embedding
// process: how to reach the command channel, and the capability set to
// open the device.Context with.
type Config struct {
	Transport TransportConfig   `toml:"transport"`
	Context   ContextConfig     `toml:"context"`
	Hugepages HugepagesConfig   `toml:"hugepages"`
}

// TransportConfig describes how to dial the command channel.
type TransportConfig struct {
	Socket     string `toml:"socket"`
	TimeoutMs  int    `toml:"timeout_ms"`
}

// ContextConfig mirrors device.Capabilities plus the dirty-page page
// size used by live migration.
type ContextConfig struct {
	Classes          []string `toml:"classes"`
	Counters         bool     `toml:"counters"`
	DirtyTrackModes  []string `toml:"dirty_track_modes"`
	CrossMkeySupport bool     `toml:"cross_mkey_support"`
	MaxHotplugSlots  int      `toml:"max_hotplug_slots"`
	DirtyPageSize    uint64   `toml:"dirty_page_size"`
}

// HugepagesConfig configures the DMA buffer pool's backing allocator.
type HugepagesConfig struct {
	Dir      string `toml:"dir"`
	PageSize int64  `toml:"page_size"`
}

// Timeout returns the configured command-channel timeout, defaulting
// to 5s when unset.
func (t TransportConfig) Timeout() time.Duration {
	if t.TimeoutMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// Capabilities converts the TOML-level class name list into
// device.Capabilities.
func (c ContextConfig) Capabilities() device.Capabilities {
	classes := make([]device.Class, 0, len(c.Classes))
	for _, name := range c.Classes {
		classes = append(classes, device.Class(name))
	}
	return device.Capabilities{
		Classes:          classes,
		Counters:         c.Counters,
		DirtyTrackModes:  c.DirtyTrackModes,
		CrossMkeySupport: c.CrossMkeySupport,
		MaxHotplugSlots:  c.MaxHotplugSlots,
	}
}

// Load parses the TOML file at path.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errkind.Wrap(err, errkind.BadArgument, "config: decode "+path)
	}
	if cfg.Transport.Socket == "" {
		return Config{}, errkind.New(errkind.BadArgument, "config: transport.socket is required")
	}
	return cfg, nil
}
