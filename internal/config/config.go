package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when a field is absent from config.toml.
const (
	DefaultSyncIntervalSeconds   = 2
	DefaultRequestTimeoutSeconds = 15
)

// Config represents the global ~/.matrixchat/config.toml.
type Config struct {
	Homeserver            string `toml:"homeserver"`
	DefaultSession        string `toml:"default_session"`
	SyncIntervalSeconds   int    `toml:"sync_interval_seconds"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// SyncInterval returns the poll interval between sync cycles.
func (c *Config) SyncInterval() time.Duration {
	secs := c.SyncIntervalSeconds
	if secs <= 0 {
		secs = DefaultSyncIntervalSeconds
	}
	return time.Duration(secs) * time.Second
}

// RequestTimeout returns the per-request timeout for homeserver calls.
func (c *Config) RequestTimeout() time.Duration {
	secs := c.RequestTimeoutSeconds
	if secs <= 0 {
		secs = DefaultRequestTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
