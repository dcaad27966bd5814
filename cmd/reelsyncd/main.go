// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

// Command reelsyncd runs the offline-first sync engine as a daemon: local
// durable store, outbound write queue, sync coordinator, change channel,
// and the loopback status/remediation API, all under one supervisor tree.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tomtom215/reelsync/internal/api"
	"github.com/tomtom215/reelsync/internal/auth"
	"github.com/tomtom215/reelsync/internal/channel"
	"github.com/tomtom215/reelsync/internal/config"
	"github.com/tomtom215/reelsync/internal/connectivity"
	"github.com/tomtom215/reelsync/internal/coordinator"
	"github.com/tomtom215/reelsync/internal/logging"
	"github.com/tomtom215/reelsync/internal/queue"
	"github.com/tomtom215/reelsync/internal/store"
	"github.com/tomtom215/reelsync/internal/supervisor"
	"github.com/tomtom215/reelsync/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().
		Str("server", cfg.Server.URL).
		Str("store", cfg.Store.Path).
		Msg("Starting Reelsync")

	st, err := store.Open(store.Config{
		Path:       filepath.Join(cfg.Store.Path, "store"),
		SyncWrites: cfg.Store.SyncWrites,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open local store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	q, err := queue.Open(queue.Config{
		Path:       filepath.Join(cfg.Store.Path, "queue"),
		SyncWrites: cfg.Store.SyncWrites,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open outbound queue")
	}
	defer func() {
		if err := q.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing queue")
		}
	}()

	// The auth manager is the token source for every server call, and uses
	// the same client to verify. The closure breaks the construction cycle.
	var mgr *auth.Manager
	client := transport.New(cfg.Server.URL, transport.TokenFunc(func() string {
		return mgr.Token()
	}), cfg.Server.RequestTimeout)
	mgr = auth.NewManager(st, client, cfg.Server.Token)

	// Launch-time verification. Unreachable keeps the cached session and
	// the store stays usable offline; only a rejection demands a new token.
	verifyCtx, cancelVerify := context.WithTimeout(context.Background(), cfg.Server.RequestTimeout)
	outcome := mgr.Verify(verifyCtx)
	cancelVerify()
	if outcome.State == auth.StateRejected {
		logging.Warn().Str("reason", outcome.Reason).
			Msg("No valid credential; local data remains readable, sync paused until re-authentication")
	}

	prober := connectivity.NewProber(client, cfg.Connectivity.ProbeInterval)
	coord := coordinator.New(st, q, client, prober, coordinator.Config{
		BatchSize:        cfg.Sync.BatchSize,
		MaxRetries:       cfg.Sync.MaxRetries,
		RetryBackoff:     cfg.Sync.RetryBackoff,
		PullPageSize:     cfg.Sync.PullPageSize,
		FallbackInterval: cfg.Sync.FallbackInterval,
	})

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	})
	tree.AddEngineService(prober)
	tree.AddEngineService(coord)

	if cfg.Channel.Enabled {
		listener := channel.New(cfg.Server.URL, mgr, prober, channel.Config{
			ReconnectBackoff: cfg.Channel.ReconnectBackoff,
			PingInterval:     cfg.Channel.PingInterval,
		}, func() { coord.Trigger("channel") })
		tree.AddEngineService(listener)
	}

	if cfg.API.Enabled {
		tree.AddAPIService(api.New(cfg.API.Listen, st, q, coord))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGUSR1 maps the host's "resumed to foreground" signal onto a sync
	// trigger; SIGINT/SIGTERM shut down.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGUSR1 {
				logging.Info().Msg("Resume signal received")
				coord.Trigger("resume")
				continue
			}
			logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			cancel()
			return
		}
	}()

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal().Err(err).Msg("Supervisor tree failed")
	}
	logging.Info().Msg("Reelsync stopped")
}
