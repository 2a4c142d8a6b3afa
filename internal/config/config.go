// Package config loads server configuration from a YAML file, filling in
// defaults for anything unset.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// Database is the SQLite database path.
	Database string `yaml:"database"`
	// AdminToken authenticates administrative requests. Empty disables the
	// built-in token resolver; schema operations then require a custom
	// identity resolver that grants admin.
	AdminToken string `yaml:"adminToken"`
	// Schema is an optional CUE schema file applied at startup.
	Schema string `yaml:"schema"`

	Records  Records  `yaml:"records"`
	Realtime Realtime `yaml:"realtime"`
}

// Records configures list and expansion behavior.
type Records struct {
	// PageSize is the list page size when the client passes no limit.
	PageSize int `yaml:"pageSize"`
	// MaxExpandDepth caps relation expansion path length.
	MaxExpandDepth int `yaml:"maxExpandDepth"`
}

// Realtime configures the event bus.
type Realtime struct {
	// BufferSize is the per-subscriber event buffer; beyond it the oldest
	// events are dropped and the stream gaps.
	BufferSize int `yaml:"bufferSize"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:   ":8090",
		Database: "tinybase.db",
		Records: Records{
			PageSize:       30,
			MaxExpandDepth: 6,
		},
		Realtime: Realtime{
			BufferSize: 64,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address cannot be empty")
	}
	if c.Database == "" {
		return fmt.Errorf("config: database path cannot be empty")
	}
	if c.Records.PageSize <= 0 {
		return fmt.Errorf("config: records.pageSize must be positive")
	}
	if c.Records.MaxExpandDepth <= 0 {
		return fmt.Errorf("config: records.maxExpandDepth must be positive")
	}
	if c.Realtime.BufferSize <= 0 {
		return fmt.Errorf("config: realtime.bufferSize must be positive")
	}
	return nil
}
