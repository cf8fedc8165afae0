package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.cardchat/config.toml.
type Config struct {
	Server   Server   `toml:"server"`
	Identity Identity `toml:"identity"`
	Sync     Sync     `toml:"sync"`
}

// Server holds the origin API and transport channel endpoints.
type Server struct {
	BaseURL            string `toml:"base_url"`
	WebsocketURL       string `toml:"websocket_url"`
	RequestTimeoutSecs int    `toml:"request_timeout_secs"`
}

// Identity holds the local user identity stamped on outgoing messages.
type Identity struct {
	UserID      string `toml:"user_id"`
	DisplayName string `toml:"display_name"`
}

// Sync holds the reconciliation and acknowledgment timers.
type Sync struct {
	PollIntervalMillis     int `toml:"poll_interval_millis"`
	AckFlushIntervalMillis int `toml:"ack_flush_interval_millis"`
}

// Default returns a config with every timer at its default value.
func Default() *Config {
	return &Config{
		Server: Server{RequestTimeoutSecs: 8},
		Sync: Sync{
			PollIntervalMillis:     4000,
			AckFlushIntervalMillis: 3000,
		},
	}
}

// RequestTimeout returns the origin API request timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSecs) * time.Second
}

// PollInterval returns the reconciliation poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalMillis) * time.Millisecond
}

// AckFlushInterval returns the delivery acknowledgment flush interval.
func (c *Config) AckFlushInterval() time.Duration {
	return time.Duration(c.Sync.AckFlushIntervalMillis) * time.Millisecond
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return errors.New("server.base_url is required")
	}
	if c.Server.WebsocketURL == "" {
		return errors.New("server.websocket_url is required")
	}
	if c.Identity.UserID == "" {
		return errors.New("identity.user_id is required")
	}
	return nil
}

// Load reads config from the given path, filling unset timers with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Server.RequestTimeoutSecs <= 0 {
		cfg.Server.RequestTimeoutSecs = 8
	}
	if cfg.Sync.PollIntervalMillis <= 0 {
		cfg.Sync.PollIntervalMillis = 4000
	}
	if cfg.Sync.AckFlushIntervalMillis <= 0 {
		cfg.Sync.AckFlushIntervalMillis = 3000
	}
	return cfg, nil
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
