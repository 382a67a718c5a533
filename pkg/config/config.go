// Package config loads a node's YAML configuration file: everything
// that doesn't change between restarts and isn't worth a CLI flag
// (data directory, bind address, zone/capacity for layout placement,
// consistency mode, known peer addresses to seed the dialer with).
// The three MERIDIAN_DEFAULT_* bootstrap env vars stay out of this
// file on purpose — they are a one-shot single-node convenience, not
// steady-state configuration, and are read directly by pkg/cluster.Bootstrap.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/meridian/pkg/layout"
)

// Config is a node's on-disk configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	BindAddr string `yaml:"bind_addr"`

	Zone              string `yaml:"zone"`
	Capacity          uint32 `yaml:"capacity"`
	ReplicationFactor int    `yaml:"replication_factor"`
	Consistency       string `yaml:"consistency"`

	// Peers seeds the address book with nodes this one should try
	// dialing before it has learned anything from layout gossip.
	Peers []PeerConfig `yaml:"peers"`
}

// PeerConfig names one peer's node id and dial address.
type PeerConfig struct {
	NodeID  string `yaml:"node_id"`
	Address string `yaml:"address"`
}

// defaults mirrors spec.md's component defaults where a YAML field is omitted.
func defaults() Config {
	return Config{
		DataDir:           "./data",
		BindAddr:          ":7420",
		Capacity:          1,
		ReplicationFactor: 3,
		Consistency:       "consistent",
	}
}

// Load reads and parses a YAML config file at path, filling unset fields
// with defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return &cfg, nil
}

// ConsistencyMode parses the configured consistency string, per the
// quorum table in spec.md §4.3.
func (c *Config) ConsistencyMode() (layout.ConsistencyMode, error) {
	switch c.Consistency {
	case "", "consistent":
		return layout.Consistent, nil
	case "degraded":
		return layout.Degraded, nil
	case "dangerous":
		return layout.Dangerous, nil
	default:
		return 0, fmt.Errorf("config: unknown consistency mode %q", c.Consistency)
	}
}
