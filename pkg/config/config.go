// Package config provides configuration loading and management for tomorecon.
// It handles loading configuration from YAML files, environment overrides and
// default values.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"tomorecon/internal/common"
	"tomorecon/internal/models"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// HTTP server parameters
	Server struct {
		// Address is the listen address of the API, host:port
		Address string `yaml:"address"`
	} `yaml:"server"`

	// Pipeline parameters
	Pipeline struct {
		// Queue makes a run wait for the dataset's active run instead of
		// being rejected as busy
		Queue bool `yaml:"queue"`

		// Workers is the number of goroutines used for reconstruction
		Workers int `yaml:"workers"`

		// Defaults replaces stage parameter defaults, keyed by stage then parameter
		Defaults models.Overrides `yaml:"defaults,omitempty"`
	} `yaml:"pipeline"`

	// Storage parameters of the run ledger
	Storage struct {
		// Driver is sqlite or mysql
		Driver string `yaml:"driver"`

		// DSN is the sqlite file path or the mysql data source name
		DSN string `yaml:"dsn"`
	} `yaml:"storage"`

	// Log parameters
	Log struct {
		Level string `yaml:"level"`

		// Path of the log file; empty logs to stdout
		Path       string `yaml:"path"`
		MaxSizeMB  int    `yaml:"maxSizeMB"`
		MaxBackups int    `yaml:"maxBackups"`
		MaxAgeDays int    `yaml:"maxAgeDays"`
	} `yaml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"

	cfg.Pipeline.Queue = true
	cfg.Pipeline.Workers = runtime.NumCPU() // Use all available cores by default

	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = "tomorecon.db"

	cfg.Log.Level = "info"
	cfg.Log.MaxSizeMB = 100
	cfg.Log.MaxBackups = 5
	cfg.Log.MaxAgeDays = 30

	return cfg
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, it starts from the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, common.Wrap(common.InvalidParameter, err, "parsing config file %s", configPath)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with TOMORECON_* environment variables.
func (c *Config) applyEnv() {
	c.Server.Address = getEnv("TOMORECON_ADDR", c.Server.Address)
	c.Storage.Driver = getEnv("TOMORECON_DB_DRIVER", c.Storage.Driver)
	c.Storage.DSN = getEnv("TOMORECON_DB_DSN", c.Storage.DSN)
	c.Log.Path = getEnv("TOMORECON_LOG_PATH", c.Log.Path)
}

// Validate checks values that cannot be corrected silently. Stage parameter
// defaults are validated separately against the stage registry.
func (c *Config) Validate() error {
	if c.Pipeline.Workers < 0 {
		return common.Errorf(common.InvalidParameter, "pipeline.workers must not be negative, got %d", c.Pipeline.Workers)
	}
	switch c.Storage.Driver {
	case "", "sqlite", "mysql":
	default:
		return common.Errorf(common.InvalidParameter, "storage.driver must be sqlite or mysql, got %q", c.Storage.Driver)
	}
	return nil
}

// LogOptions converts the log section for common.InitLog.
func (c *Config) LogOptions() common.LogOptions {
	return common.LogOptions{
		Level:      c.Log.Level,
		Path:       c.Log.Path,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// header opens every file written by SaveConfig.
const header = "# tomorecon configuration. TOMORECON_ADDR, TOMORECON_DB_DRIVER,\n# TOMORECON_DB_DSN and TOMORECON_LOG_PATH override the values below.\n"

// SaveConfig writes cfg to configPath as YAML. A configuration that would
// fail LoadConfig is refused instead of written.
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString(header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode %s: %w", configPath, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode %s: %w", configPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(configPath, buf.Bytes(), 0644)
}

// CreateDefaultConfigFile writes DefaultConfig to configPath. An existing
// file is a Conflict unless overwrite is set.
func CreateDefaultConfigFile(configPath string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(configPath); err == nil {
			return common.Errorf(common.Conflict, "%s already exists", configPath)
		}
	}
	return SaveConfig(DefaultConfig(), configPath)
}
