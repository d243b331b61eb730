// Package migconfig holds the ambient configuration surface: a
// ~/.procmigrate/config.toml file, overridable by environment variables and
// CLI flags, in the same precedence order and TOML-via-go-toml/v2 style as
// internal/config/config.go.
package migconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the ~/.procmigrate/config.toml file.
type Config struct {
	// DefaultPort is stored in config.toml; cmd/restore takes its port from
	// the command line and does not read this field.
	DefaultPort int `toml:"default_port,omitempty"`
	// StepMode defaults the restore orchestrator's -s (step-by-step) flag.
	StepMode bool `toml:"step_mode,omitempty"`
	// LogLevel is parsed with logrus.ParseLevel; empty means logrus's
	// default (Info).
	LogLevel string `toml:"log_level,omitempty"`
}

// DefaultConfig is what Load returns when no config file exists yet.
func DefaultConfig() Config {
	return Config{DefaultPort: 9000, StepMode: false, LogLevel: "info"}
}

// configDirOverride is set by SetConfigDir; PROCMIGRATE_HOME is consulted
// separately in ConfigDir.
var configDirOverride string

// SetConfigDir allows the CLI to override the config directory.
func SetConfigDir(dir string) { configDirOverride = dir }

// ConfigDir returns the directory holding config.toml.
// Precedence: SetConfigDir > PROCMIGRATE_HOME env > ~/.procmigrate
func ConfigDir() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	if v := os.Getenv("PROCMIGRATE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".procmigrate")
	}
	return filepath.Join(home, ".procmigrate")
}

// ConfigPath returns the full path to config.toml.
func ConfigPath() string { return filepath.Join(ConfigDir(), "config.toml") }

// Load reads config.toml, falling back to DefaultConfig for any field the
// file doesn't set and to DefaultConfig wholesale if the file is absent.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("migconfig: reading config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("migconfig: parsing config.toml: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg back to config.toml, creating the config directory if
// needed.
func Save(cfg *Config) error {
	if err := os.MkdirAll(ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("migconfig: creating config dir: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("migconfig: marshaling config: %w", err)
	}
	return os.WriteFile(ConfigPath(), data, 0o644)
}
