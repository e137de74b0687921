// Package config loads server configuration from an optional YAML file
// with defaults, which CLI flags then override.
package config

import (
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Config holds the serve-mode settings.
type Config struct {
	Port       uint16 `yaml:"port" default:"8080"`
	SharedDir  string `yaml:"shared_dir" default:"."`
	InboundDir string `yaml:"inbound_dir"`
	Name       string `yaml:"name"`
	ChunkSize  int32  `yaml:"chunk_size" default:"32768"`
	Verbose    bool   `yaml:"verbose"`
}

// Load reads the config at path, or returns pure defaults when path is
// empty.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// normalize fills derived defaults that tags cannot express.
func (c *Config) normalize() {
	if c.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Name = host
		} else {
			c.Name = "zimsync"
		}
	}
	if c.InboundDir == "" {
		c.InboundDir = c.SharedDir
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 32768
	}
}
