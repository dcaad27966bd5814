// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

// Package metrics exposes Prometheus instrumentation for the sync engine:
// cycle latency and outcomes, queue depths, conflict resolution decisions,
// channel connectivity, and transport circuit breaker state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Sync cycle metrics

	SyncCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reelsync_cycle_duration_seconds",
			Help:    "Duration of full sync cycles (dispatch + pull)",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsync_cycles_total",
			Help: "Total sync cycles by outcome",
		},
		[]string{"outcome"}, // "ok", "error", "offline", "coalesced"
	)

	SyncTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsync_triggers_total",
			Help: "Sync cycle triggers by source",
		},
		[]string{"source"}, // "connectivity", "channel", "resume", "timer", "manual"
	)

	// Queue metrics

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reelsync_queue_depth",
			Help: "Outbound write queue depth by status",
		},
		[]string{"status"}, // "pending", "processing", "failed"
	)

	QueueItemsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsync_queue_items_dispatched_total",
			Help: "Queue items dispatched by result",
		},
		[]string{"result"}, // "success", "conflict", "retry", "failed"
	)

	QueueRemapsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelsync_queue_remaps_total",
			Help: "Placeholder key remaps applied across the queue",
		},
	)

	// Resolver metrics

	ResolverDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsync_resolver_decisions_total",
			Help: "Conflict resolver decisions by outcome",
		},
		[]string{"decision"}, // "apply", "skip"
	)

	// Pull metrics

	PullPagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelsync_pull_pages_total",
			Help: "Incremental pull pages applied",
		},
	)

	PullEntitiesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelsync_pull_entities_total",
			Help: "Entities received via incremental pull",
		},
	)

	WatermarkTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reelsync_watermark_timestamp_seconds",
			Help: "Current sync watermark (server clock)",
		},
	)

	// Change channel metrics

	ChannelConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reelsync_channel_connected",
			Help: "Whether the change-notification channel is connected (1/0)",
		},
	)

	ChannelNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsync_channel_notifications_total",
			Help: "Change notifications received by type",
		},
		[]string{"type"},
	)

	ChannelReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reelsync_channel_reconnects_total",
			Help: "Change channel reconnect attempts",
		},
	)

	// Transport metrics

	TransportRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsync_transport_requests_total",
			Help: "Server requests by operation and outcome",
		},
		[]string{"operation", "outcome"}, // operation: "dispatch", "pull", "verify"
	)

	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reelsync_circuit_breaker_state",
			Help: "Transport circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Auth boundary metrics

	AuthVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reelsync_auth_verifications_total",
			Help: "Token verification outcomes",
		},
		[]string{"outcome"}, // "verified", "unreachable", "rejected"
	)
)
