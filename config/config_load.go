package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and validates the TOML configuration at path, filling any
// unset fields from NewDefaultConfig.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := NewDefaultConfig()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Reload re-reads path and atomically swaps it into p if valid. Used by
// the SIGHUP handler.
func Reload(p *Provider, path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	p.Update(cfg)
	return nil
}
