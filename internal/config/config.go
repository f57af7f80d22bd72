// Package config loads and manages the beacon CLI profile stored at
// ~/.beacon/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wondertwin-ai/beacon/pkg/beacon"
)

// DefaultConfigDir is the directory under the user's home for CLI state.
const DefaultConfigDir = ".beacon"

// DefaultConfigFile is the config file name within the config directory.
const DefaultConfigFile = "config.yaml"

// Environment variables that override the file.
const (
	EnvBaseURL = "BEACON_BASE_URL"
	EnvAPIKey  = "BEACON_API_KEY"
)

// Config represents the contents of ~/.beacon/config.yaml.
type Config struct {
	beacon.Config `yaml:",inline"`
}

// Path returns the full path to the config file.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// Load reads the config from ~/.beacon/config.yaml.
// Returns a default config if the file doesn't exist.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config at path over the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays BEACON_BASE_URL and BEACON_API_KEY when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.APIKey = v
	}
}

// Save writes the config to ~/.beacon/config.yaml.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveTo(path, cfg)
}

// SaveTo writes the config to path, creating its directory.
func SaveTo(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Keys lists the settings accepted by Set.
var Keys = []string{
	"base_url", "api_key", "request_timeout", "flag_ttl", "fetch_timeout",
	"debounce_window", "retry_interval", "retry_queue_max", "page",
	"storage.driver", "storage.dsn", "storage.namespace",
}

// Set assigns one setting from its string form.
func (c *Config) Set(key, value string) error {
	dur := func(dst *time.Duration) error {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", key)
		}
		*dst = d
		return nil
	}

	switch key {
	case "base_url":
		c.BaseURL = strings.TrimRight(value, "/")
	case "api_key":
		c.APIKey = value
	case "request_timeout":
		return dur(&c.RequestTimeout)
	case "flag_ttl":
		return dur(&c.FlagTTL)
	case "fetch_timeout":
		return dur(&c.FetchTimeout)
	case "debounce_window":
		return dur(&c.DebounceWindow)
	case "retry_interval":
		return dur(&c.RetryInterval)
	case "retry_queue_max":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("retry_queue_max must be a positive integer")
		}
		c.RetryQueueMax = n
	case "page":
		c.Page = value
	case "storage.driver":
		c.Storage.Driver = value
	case "storage.dsn":
		c.Storage.DSN = value
	case "storage.namespace":
		c.Storage.Namespace = value
	default:
		return fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(Keys, ", "))
	}
	return nil
}

// defaultConfig keeps CLI state in a SQLite file next to the config so the
// identity and retry queue survive between invocations.
func defaultConfig() *Config {
	cfg := &Config{Config: beacon.DefaultConfig()}
	cfg.Storage = beacon.StorageConfig{
		Driver: beacon.DriverSQLite,
		DSN:    filepath.Join("~", DefaultConfigDir, "beacon.db"),
	}
	return cfg
}
