// ABOUTME: YAML configuration for the xray daemon: listen address and database path.
// ABOUTME: Missing files fall back to defaults so the daemon runs with zero configuration.
package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon's runtime settings.
type Config struct {
	Addr   string `yaml:"addr"`
	DBPath string `yaml:"db_path"`
}

// DefaultConfig returns the settings used when no config file is present.
func DefaultConfig() Config {
	return Config{
		Addr:   ":8000",
		DBPath: "xray.db",
	}
}

// LoadConfig reads a YAML config file, applying defaults for absent fields.
// A missing file is not an error; a malformed one is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultConfig().DBPath
	}
	return cfg, nil
}
