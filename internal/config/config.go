// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

// Package config loads and validates daemon configuration.
//
// Configuration is layered with koanf: struct defaults first, then an
// optional YAML file, then environment variables (highest priority).
// Environment variable names map to config paths by lowercasing and
// replacing underscores: SYNC_BATCH_SIZE -> sync.batch_size.
package config

import (
	"fmt"
	"time"

	"github.com/tomtom215/reelsync/internal/validation"
)

// Config is the root configuration for the sync daemon.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Store        StoreConfig        `koanf:"store"`
	Sync         SyncConfig         `koanf:"sync"`
	Channel      ChannelConfig      `koanf:"channel"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	API          APIConfig          `koanf:"api"`
	Logging      LoggingConfig      `koanf:"logging"`
}

// ServerConfig locates the authoritative server.
type ServerConfig struct {
	// URL is the base URL of the authoritative server.
	URL string `koanf:"url" validate:"required,url"`

	// Token is the bearer credential for REST and WebSocket calls. It may
	// be empty at startup when a previously verified session is cached in
	// the local store.
	Token string `koanf:"token"`

	// RequestTimeout bounds individual HTTP calls.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// StoreConfig configures the local durable store.
type StoreConfig struct {
	// Path is the BadgerDB directory.
	Path string `koanf:"path" validate:"required"`

	// SyncWrites enables fsync on every commit. Durable queue semantics
	// depend on this in production; tests disable it for speed.
	SyncWrites bool `koanf:"sync_writes"`
}

// SyncConfig tunes the coordinator. The batch size and retry ceiling are
// deliberately configuration, not constants.
type SyncConfig struct {
	// BatchSize bounds how many queue items are sent per dispatch request.
	BatchSize int `koanf:"batch_size" validate:"min=1,max=500"`

	// MaxRetries is the per-item retry ceiling before an item is marked
	// permanently failed and surfaced for manual remediation.
	MaxRetries int `koanf:"max_retries" validate:"min=1,max=20"`

	// RetryBackoff is the base delay before a failed item's batch is
	// reattempted; successive attempts grow exponentially (1x, 5x, 15x).
	RetryBackoff time.Duration `koanf:"retry_backoff"`

	// PullPageSize bounds entities per incremental pull page.
	PullPageSize int `koanf:"pull_page_size" validate:"min=1,max=1000"`

	// FallbackInterval is the periodic timer covering missed push
	// notifications.
	FallbackInterval time.Duration `koanf:"fallback_interval"`
}

// ChannelConfig tunes the change-notification channel.
type ChannelConfig struct {
	// Enabled toggles the WebSocket listener. The periodic fallback pull
	// keeps convergence working when disabled.
	Enabled bool `koanf:"enabled"`

	// ReconnectBackoff is the fixed delay between reconnect attempts while
	// connectivity holds.
	ReconnectBackoff time.Duration `koanf:"reconnect_backoff"`

	// PingInterval is the keepalive ping cadence.
	PingInterval time.Duration `koanf:"ping_interval"`
}

// ConnectivityConfig tunes the reachability prober.
type ConnectivityConfig struct {
	// ProbeInterval is how often the server health endpoint is probed.
	ProbeInterval time.Duration `koanf:"probe_interval"`
}

// APIConfig configures the local status/remediation endpoint.
type APIConfig struct {
	Enabled bool `koanf:"enabled"`

	// Listen is the local address, loopback by default: the API exposes
	// queue contents and manual retry/discard, not meant for the network.
	Listen string `koanf:"listen"`
}

// LoggingConfig mirrors logging.Config for koanf unmarshalling.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL:            "",
			RequestTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Path:       "/data/reelsync",
			SyncWrites: true,
		},
		Sync: SyncConfig{
			BatchSize:        20,
			MaxRetries:       3,
			RetryBackoff:     time.Second,
			PullPageSize:     100,
			FallbackInterval: 30 * time.Minute,
		},
		Channel: ChannelConfig{
			Enabled:          true,
			ReconnectBackoff: 5 * time.Second,
			PingInterval:     30 * time.Second,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 30 * time.Second,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8787",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive, got %v", c.Server.RequestTimeout)
	}
	if c.Sync.RetryBackoff <= 0 {
		return fmt.Errorf("sync.retry_backoff must be positive, got %v", c.Sync.RetryBackoff)
	}
	if c.Sync.FallbackInterval < time.Minute {
		return fmt.Errorf("sync.fallback_interval must be at least 1m, got %v", c.Sync.FallbackInterval)
	}
	if c.Channel.ReconnectBackoff <= 0 {
		return fmt.Errorf("channel.reconnect_backoff must be positive, got %v", c.Channel.ReconnectBackoff)
	}
	return nil
}
