// Package config loads the YAML configuration of the detour tools.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds engine and logging settings.
type Config struct {
	SlotSize        uint64 `yaml:"slot_size"`
	PoolGranularity uint64 `yaml:"pool_granularity"`
	KeepEmptyPools  bool   `yaml:"keep_empty_pools"`
	FollowJumps     bool   `yaml:"follow_jumps"`
	MaxJumpChain    int    `yaml:"max_jump_chain"`
	Log             Log    `yaml:"log"`
}

// Log configures the logger.
type Log struct {
	Debug bool `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SlotSize:        64,
		PoolGranularity: 0x10000,
		FollowJumps:     true,
		MaxJumpChain:    8,
	}
}

// Validate checks the values the engine depends on.
func (c *Config) Validate() error {
	switch {
	case c.SlotSize < 64 || c.SlotSize&(c.SlotSize-1) != 0:
		return fmt.Errorf("slot_size %d: must be a power of two >= 64", c.SlotSize)
	case c.PoolGranularity == 0 || c.PoolGranularity&(c.PoolGranularity-1) != 0:
		return fmt.Errorf("pool_granularity 0x%x: must be a power of two", c.PoolGranularity)
	case c.PoolGranularity < c.SlotSize:
		return fmt.Errorf("pool_granularity 0x%x: smaller than slot_size", c.PoolGranularity)
	case c.MaxJumpChain < 0:
		return fmt.Errorf("max_jump_chain %d: must not be negative", c.MaxJumpChain)
	}
	return nil
}

// Parse reads YAML over the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the file at path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(bytes.NewReader(data))
}
