// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Server.URL = "https://sync.example.com"
	return cfg
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing server url", func(c *Config) { c.Server.URL = "" }},
		{"malformed server url", func(c *Config) { c.Server.URL = "not a url" }},
		{"zero batch size", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"excess batch size", func(c *Config) { c.Sync.BatchSize = 10000 }},
		{"zero retry ceiling", func(c *Config) { c.Sync.MaxRetries = 0 }},
		{"empty store path", func(c *Config) { c.Store.Path = "" }},
		{"negative retry backoff", func(c *Config) { c.Sync.RetryBackoff = -time.Second }},
		{"tiny fallback interval", func(c *Config) { c.Sync.FallbackInterval = time.Second }},
		{"zero reconnect backoff", func(c *Config) { c.Channel.ReconnectBackoff = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig()
	if cfg.Sync.BatchSize != 20 {
		t.Errorf("default batch size = %d, want 20", cfg.Sync.BatchSize)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("default retry ceiling = %d, want 3", cfg.Sync.MaxRetries)
	}
	if cfg.Channel.ReconnectBackoff != 5*time.Second {
		t.Errorf("default reconnect backoff = %v, want 5s", cfg.Channel.ReconnectBackoff)
	}
	if cfg.Sync.FallbackInterval != 30*time.Minute {
		t.Errorf("default fallback interval = %v, want 30m", cfg.Sync.FallbackInterval)
	}
}

func TestLoad_FileAndEnvLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reelsync.yaml")
	yaml := `
server:
  url: https://file.example.com
sync:
  batch_size: 50
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("REELSYNC_SYNC_MAX_RETRIES", "5")
	t.Setenv("REELSYNC_STORE_PATH", filepath.Join(dir, "store"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.URL != "https://file.example.com" {
		t.Errorf("server url = %q, want file value", cfg.Server.URL)
	}
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("batch size = %d, want 50 from file", cfg.Sync.BatchSize)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("max retries = %d, want 5 from env", cfg.Sync.MaxRetries)
	}
	// Untouched keys keep defaults.
	if cfg.Sync.PullPageSize != 100 {
		t.Errorf("pull page size = %d, want default 100", cfg.Sync.PullPageSize)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := []struct{ in, want string }{
		{"REELSYNC_SERVER_URL", "server.url"},
		{"REELSYNC_SYNC_BATCH_SIZE", "sync.batch_size"},
		{"REELSYNC_CHANNEL_RECONNECT_BACKOFF", "channel.reconnect_backoff"},
	}
	for _, tt := range tests {
		if got := envTransformFunc(tt.in); got != tt.want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
