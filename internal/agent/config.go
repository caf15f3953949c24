// Package agent collects host telemetry with gopsutil and ships it to
// a sysmon server.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Config is the agent's persisted configuration. A fresh install gets
// a generated device identifier that survives restarts, so a host
// keeps its identity across reboots.
type Config struct {
	Server   string `json:"server" validate:"required,url"`
	Interval int    `json:"interval" validate:"required,min=1"`
	DeviceID string `json:"device_id" validate:"required"`
	Verbose  bool   `json:"verbose"`
}

var validate = validator.New()

// DefaultConfig returns the baseline configuration with a newly
// generated device identifier.
func DefaultConfig() Config {
	return Config{
		Server:   "http://localhost:8080",
		Interval: 5,
		DeviceID: uuid.NewString(),
		Verbose:  false,
	}
}

// DefaultConfigPath returns the config file location next to the
// running executable, falling back to the working directory.
func DefaultConfigPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "sysmon_config.json"
	}
	return filepath.Join(filepath.Dir(exe), "sysmon_config.json")
}

// LoadConfig reads the config file, creating it with defaults when it
// is missing or unreadable. A stored config without a device_id gets
// one generated and written back.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		cfg := DefaultConfig()
		if saveErr := SaveConfig(path, cfg); saveErr != nil {
			return cfg, saveErr
		}
		return cfg, nil
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		cfg = DefaultConfig()
		if saveErr := SaveConfig(path, cfg); saveErr != nil {
			return cfg, saveErr
		}
		return cfg, nil
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		if err := SaveConfig(path, cfg); err != nil {
			return cfg, err
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("agent config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration as indented JSON.
func SaveConfig(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("agent config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("agent config: %w", err)
	}
	return nil
}
