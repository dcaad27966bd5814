// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

// Package coordinator orchestrates the sync cycle: dispatch of queued local
// writes, incremental pull of server changes, and crash recovery.
//
// Exactly one cycle runs at a time per device. The guard is a single atomic
// owned here and observable via Syncing; a trigger arriving mid-cycle
// coalesces into a no-op and the next natural trigger picks up any newly
// queued work. Partial-batch progress is never rolled back: each queue item
// carries its own durable status, so a cycle interrupted after applying some
// results is idempotent on retry.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/reelsync/internal/connectivity"
	"github.com/tomtom215/reelsync/internal/logging"
	"github.com/tomtom215/reelsync/internal/metrics"
	"github.com/tomtom215/reelsync/internal/models"
	"github.com/tomtom215/reelsync/internal/queue"
	"github.com/tomtom215/reelsync/internal/resolver"
	"github.com/tomtom215/reelsync/internal/store"
	"github.com/tomtom215/reelsync/internal/transport"
)

// Client is the server surface the coordinator needs. Satisfied by
// *transport.Client.
type Client interface {
	DispatchBatch(ctx context.Context, actions []models.SyncAction, clientTimestamp float64) (*models.BatchResponse, error)
	Pull(ctx context.Context, since float64, limit, offset int) (*models.PullPage, error)
}

// Config tunes the coordinator. Zero values fall back to the defaults in
// internal/config.
type Config struct {
	// BatchSize bounds queue items per dispatch request.
	BatchSize int

	// MaxRetries is the per-item ceiling before an item is marked
	// permanently failed.
	MaxRetries int

	// RetryBackoff is the base delay before a failed item is reattempted.
	// Successive attempts wait 1x, 5x, 15x the base.
	RetryBackoff time.Duration

	// PullPageSize bounds entities per incremental pull page.
	PullPageSize int

	// FallbackInterval is the periodic timer covering missed notifications.
	FallbackInterval time.Duration
}

// retrySchedule holds the backoff multipliers applied to Config.RetryBackoff
// per attempt. Attempts beyond the schedule reuse the last multiplier.
var retrySchedule = []time.Duration{1, 5, 15}

// pullPageRetries bounds transient retries of a single pull page before the
// cycle gives up and leaves the watermark for the next trigger.
const pullPageRetries = 2

// Coordinator owns the single-flight sync cycle.
type Coordinator struct {
	store   *store.Store
	queue   *queue.Queue
	client  Client
	watcher connectivity.Watcher
	cfg     Config

	syncing  atomic.Bool
	triggers chan struct{}

	// now is the clock, overridable in tests.
	now func() time.Time

	// newPullBackoff builds the per-page retry policy, overridable in tests.
	newPullBackoff func() backoff.BackOff
}

// New builds a coordinator. Serve must be started before triggers have any
// effect; RunCycle can also be called directly.
func New(s *store.Store, q *queue.Queue, client Client, watcher connectivity.Watcher, cfg Config) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PullPageSize <= 0 {
		cfg.PullPageSize = 100
	}
	if cfg.FallbackInterval <= 0 {
		cfg.FallbackInterval = 30 * time.Minute
	}

	return &Coordinator{
		store:   s,
		queue:   q,
		client:  client,
		watcher: watcher,
		cfg:     cfg,

		// Buffer of one: triggers arriving while a cycle runs coalesce.
		triggers: make(chan struct{}, 1),
		now:      time.Now,
		newPullBackoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), pullPageRetries)
		},
	}
}

// Syncing reports whether a cycle is currently in flight.
func (c *Coordinator) Syncing() bool {
	return c.syncing.Load()
}

// Trigger requests a cycle. Non-blocking; a trigger arriving while one is
// already queued or a cycle is running is coalesced.
func (c *Coordinator) Trigger(source string) {
	metrics.SyncTriggersTotal.WithLabelValues(source).Inc()
	select {
	case c.triggers <- struct{}{}:
	default:
	}
}

// RunCycle executes one dispatch+pull cycle. A second call while one is in
// flight returns immediately with no error. Offline is likewise a quiet
// no-op: the queue stays untouched until connectivity returns.
func (c *Coordinator) RunCycle(ctx context.Context) error {
	if !c.syncing.CompareAndSwap(false, true) {
		metrics.SyncCyclesTotal.WithLabelValues("coalesced").Inc()
		return nil
	}
	defer c.syncing.Store(false)

	if !c.watcher.Online() {
		metrics.SyncCyclesTotal.WithLabelValues("offline").Inc()
		return nil
	}

	start := c.now()
	err := c.cycle(ctx)
	metrics.SyncCycleDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.SyncCyclesTotal.WithLabelValues("ok").Inc()
		return nil
	case errors.Is(err, transport.ErrNetworkUnavailable):
		// Connectivity dropped mid-cycle. Not an error: the queue is
		// durable and the online transition retriggers.
		metrics.SyncCyclesTotal.WithLabelValues("offline").Inc()
		logging.Info().Err(err).Msg("coordinator: cycle interrupted, server unreachable")
		return nil
	default:
		metrics.SyncCyclesTotal.WithLabelValues("error").Inc()
		return err
	}
}

func (c *Coordinator) cycle(ctx context.Context) error {
	if err := c.dispatch(ctx); err != nil {
		return err
	}
	if err := c.pull(ctx); err != nil {
		return err
	}
	c.reportDepths()
	return nil
}

// dispatch drains pending items in creation-order batches until the queue
// has nothing eligible.
func (c *Coordinator) dispatch(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		items, err := c.queue.PeekPending(c.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("peek pending: %w", err)
		}
		if len(items) == 0 {
			return nil
		}

		ids := make([]uint64, len(items))
		actions := make([]models.SyncAction, len(items))
		for i, item := range items {
			ids[i] = item.ID
			actions[i] = models.SyncAction{
				Action:    item.ActionType,
				Data:      item.Payload,
				Timestamp: unixSeconds(item.CreatedAt),
			}
		}

		if err := c.queue.MarkProcessing(ids); err != nil {
			return fmt.Errorf("mark processing: %w", err)
		}

		resp, err := c.client.DispatchBatch(ctx, actions, unixSeconds(c.now()))
		if err != nil {
			// No per-item verdicts arrived, so no retry is charged.
			if relErr := c.queue.ReleaseProcessing(ids); relErr != nil {
				logging.Error().Err(relErr).Msg("coordinator: release claimed items")
			}
			return fmt.Errorf("dispatch batch: %w", err)
		}

		logging.Debug().Int("batch", len(items)).Msg("coordinator: batch dispatched")
		for i, result := range resp.Results {
			c.applyResult(items[i], result)
		}
	}
}

// applyResult handles one server verdict. Errors here are logged, not
// returned: a result already received must be applied as far as possible,
// and the item statuses stay consistent either way.
func (c *Coordinator) applyResult(item *queue.Item, result models.SyncResult) {
	switch {
	case result.Success:
		if result.LastModified != nil {
			c.confirmWrite(item, *result.LastModified, result.ServerState)
		}
		if err := c.queue.MarkSucceeded(item.ID); err != nil {
			logging.Error().Err(err).Uint64("item", item.ID).Msg("coordinator: mark succeeded")
		}
		metrics.QueueItemsDispatched.WithLabelValues("success").Inc()

	case result.Conflict:
		// The queued intent is superseded by newer authoritative state,
		// never retried. The snapshot goes through the resolver like any
		// other incoming entity.
		if result.ServerState != nil {
			if _, err := resolver.Merge(c.store, result.ServerState); err != nil {
				logging.Error().Err(err).Uint64("item", item.ID).Msg("coordinator: merge conflict state")
			}
		}
		if err := c.queue.Remove(item.ID); err != nil {
			logging.Error().Err(err).Uint64("item", item.ID).Msg("coordinator: remove superseded item")
		}
		metrics.QueueItemsDispatched.WithLabelValues("conflict").Inc()
		logging.Info().Uint64("item", item.ID).Str("action", item.ActionType).Msg("coordinator: local write superseded by server state")

	default:
		count, err := c.queue.IncrementRetry(item.ID, result.Error, c.retryDelay(item.RetryCount+1))
		if err != nil {
			logging.Error().Err(err).Uint64("item", item.ID).Msg("coordinator: increment retry")
			return
		}
		if count >= c.cfg.MaxRetries {
			if err := c.queue.MarkFailed(item.ID, result.Error); err != nil {
				logging.Error().Err(err).Uint64("item", item.ID).Msg("coordinator: mark failed")
			}
			metrics.QueueItemsDispatched.WithLabelValues("failed").Inc()
			logging.Warn().Uint64("item", item.ID).Str("action", item.ActionType).Str("error", result.Error).
				Msg("coordinator: item permanently failed, awaiting remediation")
			return
		}
		metrics.QueueItemsDispatched.WithLabelValues("retry").Inc()
		logging.Debug().Uint64("item", item.ID).Int("retry", count).Str("error", result.Error).Msg("coordinator: item scheduled for retry")
	}
}

// confirmWrite records the server-assigned timestamp for an acknowledged
// local write so the resolver's ordering holds on later pulls. When the
// server included a full snapshot it wins over a bare timestamp bump.
func (c *Coordinator) confirmWrite(item *queue.Item, lastModified float64, state *models.Entity) {
	if state != nil {
		if _, err := resolver.Merge(c.store, state); err != nil {
			logging.Error().Err(err).Uint64("item", item.ID).Msg("coordinator: merge acknowledged state")
		}
		return
	}

	kind, key, ok := actionTarget(item.ActionType, item.Payload)
	if !ok {
		return
	}
	ent, err := c.store.Get(kind, key)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logging.Error().Err(err).Uint64("item", item.ID).Msg("coordinator: load acknowledged entity")
		return
	}
	if ent.LastModified >= lastModified {
		return
	}
	ent.LastModified = lastModified
	if err := c.store.Put(ent, true); err != nil {
		logging.Error().Err(err).Uint64("item", item.ID).Msg("coordinator: confirm timestamp")
	}
}

// actionTarget maps a queued action to the store entity it touches.
func actionTarget(action string, payload json.RawMessage) (models.Kind, string, bool) {
	var p struct {
		IMDBID string `json:"imdb_id"`
		Person string `json:"person"`
		Name   string `json:"name"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", "", false
	}

	switch action {
	case models.ActionAddRecommendation, models.ActionRemoveRecommendation:
		if p.IMDBID == "" || p.Person == "" {
			return "", "", false
		}
		return models.KindRecommendation, models.RecommendationKey(p.IMDBID, p.Person), true
	case models.ActionMarkWatched, models.ActionMarkUnwatched:
		return models.KindWatch, p.IMDBID, p.IMDBID != ""
	case models.ActionUpdateStatus:
		return models.KindStatus, p.IMDBID, p.IMDBID != ""
	case models.ActionAddPerson, models.ActionUpdatePersonTrust:
		return models.KindPerson, p.Name, p.Name != ""
	case models.ActionUpdateList:
		return models.KindList, p.Name, p.Name != ""
	}
	return "", "", false
}

// retryDelay returns the wait before the given attempt (1-based).
func (c *Coordinator) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(retrySchedule) {
		attempt = len(retrySchedule)
	}
	return c.cfg.RetryBackoff * retrySchedule[attempt-1]
}

// pull fetches all entities changed since the watermark, page by page, and
// applies each through the resolver. The watermark advances only after the
// last page: an interrupted pull repeats from the same point and converges
// because the resolver is idempotent.
func (c *Coordinator) pull(ctx context.Context) error {
	since, err := c.store.Watermark()
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}

	maxSeen := since
	offset := 0
	for {
		page, err := c.pullPage(ctx, since, offset)
		if err != nil {
			return fmt.Errorf("pull page at offset %d: %w", offset, err)
		}

		metrics.PullPagesTotal.Inc()
		metrics.PullEntitiesTotal.Add(float64(len(page.Entities)))
		for _, ent := range page.Entities {
			if _, err := resolver.Merge(c.store, ent); err != nil {
				return fmt.Errorf("apply pulled entity %s/%s: %w", ent.Kind, ent.Key, err)
			}
			if ent.LastModified > maxSeen {
				maxSeen = ent.LastModified
			}
		}

		if !page.HasMore {
			break
		}
		offset = page.NextOffset
	}

	if maxSeen > since {
		if err := c.store.SetWatermark(maxSeen); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
		metrics.WatermarkTimestamp.Set(maxSeen)
		logging.Debug().Float64("watermark", maxSeen).Msg("coordinator: watermark advanced")
	}
	return nil
}

// pullPage fetches one page, retrying transient failures with exponential
// backoff. Authoritative refusals are permanent.
func (c *Coordinator) pullPage(ctx context.Context, since float64, offset int) (*models.PullPage, error) {
	var page *models.PullPage
	op := func() error {
		p, err := c.client.Pull(ctx, since, c.cfg.PullPageSize, offset)
		if err != nil {
			if errors.Is(err, transport.ErrAuthRejected) {
				return backoff.Permanent(err)
			}
			var srvErr *transport.ServerError
			if errors.As(err, &srvErr) && !srvErr.Transient() {
				return backoff.Permanent(err)
			}
			return err
		}
		page = p
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(c.newPullBackoff(), ctx)); err != nil {
		return nil, err
	}
	return page, nil
}

// reportDepths refreshes the queue depth gauges after a cycle.
func (c *Coordinator) reportDepths() {
	if _, _, _, err := c.queue.Depths(); err != nil {
		logging.Warn().Err(err).Msg("coordinator: report queue depths")
	}
}

// Serve runs the trigger loop until the context is canceled. It implements
// suture.Service. Crash recovery happens once, before the first cycle.
func (c *Coordinator) Serve(ctx context.Context) error {
	if _, err := c.queue.RecoverProcessing(); err != nil {
		return fmt.Errorf("recover processing items: %w", err)
	}

	transitions := c.watcher.Subscribe()
	ticker := time.NewTicker(c.cfg.FallbackInterval)
	defer ticker.Stop()

	// Initial cycle flushes anything queued while the daemon was down.
	c.runCycleLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.triggers:
			c.runCycleLogged(ctx)
		case online := <-transitions:
			if online {
				metrics.SyncTriggersTotal.WithLabelValues("connectivity").Inc()
				c.runCycleLogged(ctx)
			}
		case <-ticker.C:
			metrics.SyncTriggersTotal.WithLabelValues("timer").Inc()
			c.runCycleLogged(ctx)
		}
	}
}

func (c *Coordinator) runCycleLogged(ctx context.Context) {
	if err := c.RunCycle(ctx); err != nil && ctx.Err() == nil {
		logging.Error().Err(err).Msg("coordinator: sync cycle failed")
	}
}

// unixSeconds converts a wall-clock instant to the wire's float seconds.
func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
