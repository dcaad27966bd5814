// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tomtom215/reelsync/internal/connectivity"
	"github.com/tomtom215/reelsync/internal/models"
	"github.com/tomtom215/reelsync/internal/queue"
	"github.com/tomtom215/reelsync/internal/store"
	"github.com/tomtom215/reelsync/internal/transport"
)

type fakeClient struct {
	mu         sync.Mutex
	dispatchFn func(actions []models.SyncAction) (*models.BatchResponse, error)
	pullFn     func(since float64, limit, offset int) (*models.PullPage, error)
	dispatches int
	pulls      int
}

func (f *fakeClient) DispatchBatch(ctx context.Context, actions []models.SyncAction, clientTimestamp float64) (*models.BatchResponse, error) {
	f.mu.Lock()
	f.dispatches++
	fn := f.dispatchFn
	f.mu.Unlock()
	if fn == nil {
		results := make([]models.SyncResult, len(actions))
		for i := range results {
			results[i] = models.SyncResult{Success: true}
		}
		return &models.BatchResponse{Results: results}, nil
	}
	return fn(actions)
}

func (f *fakeClient) Pull(ctx context.Context, since float64, limit, offset int) (*models.PullPage, error) {
	f.mu.Lock()
	f.pulls++
	fn := f.pullFn
	f.mu.Unlock()
	if fn == nil {
		return &models.PullPage{}, nil
	}
	return fn(since, limit, offset)
}

func (f *fakeClient) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dispatches
}

type fixture struct {
	store  *store.Store
	queue  *queue.Queue
	client *fakeClient
	coord  *Coordinator
}

func setup(t *testing.T, watcher connectivity.Watcher) *fixture {
	t.Helper()

	s, err := store.Open(store.Config{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	q, err := queue.Open(queue.Config{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	client := &fakeClient{}
	coord := New(s, q, client, watcher, Config{
		BatchSize:    5,
		MaxRetries:   3,
		PullPageSize: 2,
	})
	// No waiting between page retries under test.
	coord.newPullBackoff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, pullPageRetries)
	}
	return &fixture{store: s, queue: q, client: client, coord: coord}
}

func mustEnqueue(t *testing.T, q *queue.Queue, action string, payload interface{}) uint64 {
	t.Helper()
	id, err := q.Enqueue(action, payload)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func mustEntity(t *testing.T, kind models.Kind, key string, ts float64, payload interface{}) *models.Entity {
	t.Helper()
	ent, err := models.NewEntity(kind, key, ts, payload)
	if err != nil {
		t.Fatal(err)
	}
	return ent
}

func TestRunCycle_SecondCallCoalesces(t *testing.T) {
	f := setup(t, connectivity.Static(true))
	mustEnqueue(t, f.queue, models.ActionUpdateStatus, models.MovieStatus{IMDBID: "tt1", Status: models.StatusWatched})

	release := make(chan struct{})
	entered := make(chan struct{})
	f.client.dispatchFn = func(actions []models.SyncAction) (*models.BatchResponse, error) {
		close(entered)
		<-release
		results := make([]models.SyncResult, len(actions))
		for i := range results {
			results[i] = models.SyncResult{Success: true}
		}
		return &models.BatchResponse{Results: results}, nil
	}

	done := make(chan error, 1)
	go func() { done <- f.coord.RunCycle(context.Background()) }()
	<-entered

	if !f.coord.Syncing() {
		t.Error("Syncing() = false during in-flight cycle")
	}

	// Second call while the first is in flight: immediate no-op.
	if err := f.coord.RunCycle(context.Background()); err != nil {
		t.Errorf("coalesced cycle returned error: %v", err)
	}
	if got := f.client.dispatchCount(); got != 1 {
		t.Errorf("dispatch count = %d during coalesced call, want 1", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if f.coord.Syncing() {
		t.Error("Syncing() = true after cycle finished")
	}
}

func TestRunCycle_OfflineLeavesQueueUntouched(t *testing.T) {
	f := setup(t, connectivity.Static(false))
	id := mustEnqueue(t, f.queue, models.ActionUpdateStatus, models.MovieStatus{IMDBID: "tt1", Status: models.StatusWatched})

	if err := f.coord.RunCycle(context.Background()); err != nil {
		t.Fatalf("offline cycle: %v", err)
	}
	if f.client.dispatchCount() != 0 {
		t.Error("dispatched while offline")
	}

	item, err := f.queue.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != queue.StatusPending || item.RetryCount != 0 {
		t.Errorf("item mutated while offline: %+v", item)
	}
}

func TestRunCycle_SuccessRemovesItemAndConfirmsTimestamp(t *testing.T) {
	f := setup(t, connectivity.Static(true))

	payload := models.MovieStatus{IMDBID: "tt1", Status: models.StatusWatched}
	if err := f.store.Put(mustEntity(t, models.KindStatus, "tt1", 0, payload), false); err != nil {
		t.Fatal(err)
	}
	mustEnqueue(t, f.queue, models.ActionUpdateStatus, payload)

	// Ahead of the optimistic local-clock stamp, as a real server ack is.
	serverTS := float64(time.Now().Add(time.Hour).Unix())
	f.client.dispatchFn = func(actions []models.SyncAction) (*models.BatchResponse, error) {
		if len(actions) != 1 || actions[0].Action != models.ActionUpdateStatus {
			return nil, fmt.Errorf("unexpected batch: %+v", actions)
		}
		return &models.BatchResponse{Results: []models.SyncResult{
			{Success: true, LastModified: &serverTS},
		}}, nil
	}

	if err := f.coord.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	pending, _, failed, err := f.queue.Depths()
	if err != nil {
		t.Fatal(err)
	}
	if pending != 0 || failed != 0 {
		t.Errorf("queue not drained: pending=%d failed=%d", pending, failed)
	}

	ent, err := f.store.Get(models.KindStatus, "tt1")
	if err != nil {
		t.Fatal(err)
	}
	if ent.LastModified != serverTS {
		t.Errorf("LastModified = %v, want server-confirmed %v", ent.LastModified, serverTS)
	}
}

// A stale offline write must be superseded by the newer server state, not
// retried: the other client set watched at server time 150, this one queued
// toWatch stamped locally at 50.
func TestRunCycle_StaleWriteConflict(t *testing.T) {
	f := setup(t, connectivity.Static(true))

	local := models.MovieStatus{IMDBID: "tt1", Status: models.StatusToWatch}
	if err := f.store.Put(mustEntity(t, models.KindStatus, "tt1", 50, local), true); err != nil {
		t.Fatal(err)
	}
	mustEnqueue(t, f.queue, models.ActionUpdateStatus, local)

	serverState := mustEntity(t, models.KindStatus, "tt1", 150, models.MovieStatus{IMDBID: "tt1", Status: models.StatusWatched})
	f.client.dispatchFn = func(actions []models.SyncAction) (*models.BatchResponse, error) {
		return &models.BatchResponse{Results: []models.SyncResult{
			{Success: false, Conflict: true, ServerState: serverState},
		}}, nil
	}

	if err := f.coord.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	pending, processing, failed, err := f.queue.Depths()
	if err != nil {
		t.Fatal(err)
	}
	if pending+processing+failed != 0 {
		t.Errorf("superseded item still queued: %d/%d/%d", pending, processing, failed)
	}

	ent, err := f.store.Get(models.KindStatus, "tt1")
	if err != nil {
		t.Fatal(err)
	}
	var status models.MovieStatus
	if err := ent.DecodeData(&status); err != nil {
		t.Fatal(err)
	}
	if status.Status != models.StatusWatched || ent.LastModified != 150 {
		t.Errorf("local state = %q@%v, want watched@150", status.Status, ent.LastModified)
	}
}

func TestRunCycle_FailureReachesCeilingExactly(t *testing.T) {
	f := setup(t, connectivity.Static(true))
	id := mustEnqueue(t, f.queue, models.ActionAddPerson, models.Person{Name: "alice"})

	f.client.dispatchFn = func(actions []models.SyncAction) (*models.BatchResponse, error) {
		return &models.BatchResponse{Results: []models.SyncResult{
			{Success: false, Error: "validation failed"},
		}}, nil
	}

	// RetryBackoff is zero under test, so one cycle drives the item through
	// every retry to the ceiling.
	if err := f.coord.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	failed, err := f.queue.Failed()
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ID != id {
		t.Fatalf("failed items = %+v, want exactly the dispatched one", failed)
	}
	if failed[0].RetryCount != 3 {
		t.Errorf("retry count = %d, want exactly the ceiling 3", failed[0].RetryCount)
	}
	if failed[0].LastError != "validation failed" {
		t.Errorf("last error = %q", failed[0].LastError)
	}
	if got := f.client.dispatchCount(); got != 3 {
		t.Errorf("dispatch attempts = %d, want 3", got)
	}
}

func TestRunCycle_TransportFailureChargesNoRetry(t *testing.T) {
	f := setup(t, connectivity.Static(true))
	id := mustEnqueue(t, f.queue, models.ActionAddPerson, models.Person{Name: "alice"})

	f.client.dispatchFn = func(actions []models.SyncAction) (*models.BatchResponse, error) {
		return nil, fmt.Errorf("%w: dial tcp", transport.ErrNetworkUnavailable)
	}

	// Network loss mid-cycle is a quiet outcome, not an error.
	if err := f.coord.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	item, err := f.queue.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != queue.StatusPending {
		t.Errorf("status = %q, want pending (claim released)", item.Status)
	}
	if item.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0: the server never saw the item", item.RetryCount)
	}
}

func TestRunCycle_PullAppliesPagesAndAdvancesWatermark(t *testing.T) {
	f := setup(t, connectivity.Static(true))

	page0 := &models.PullPage{
		Entities: []*models.Entity{
			mustEntity(t, models.KindStatus, "tt1", 10, models.MovieStatus{IMDBID: "tt1", Status: models.StatusWatched}),
			mustEntity(t, models.KindMovie, "tt2", 15, models.Movie{IMDBID: "tt2", Title: "Solaris"}),
		},
		HasMore:    true,
		NextOffset: 2,
	}
	page1 := &models.PullPage{
		Entities: []*models.Entity{
			mustEntity(t, models.KindStatus, "tt3", 20, models.MovieStatus{IMDBID: "tt3", Status: models.StatusToWatch}),
		},
	}
	f.client.pullFn = func(since float64, limit, offset int) (*models.PullPage, error) {
		if limit != 2 {
			t.Errorf("limit = %d, want configured page size 2", limit)
		}
		if offset == 0 {
			return page0, nil
		}
		return page1, nil
	}

	if err := f.coord.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	wm, err := f.store.Watermark()
	if err != nil {
		t.Fatal(err)
	}
	if wm != 20 {
		t.Errorf("watermark = %v, want 20 (max timestamp seen)", wm)
	}
	for _, key := range []string{"tt1", "tt3"} {
		if _, err := f.store.Get(models.KindStatus, key); err != nil {
			t.Errorf("pulled entity %s missing: %v", key, err)
		}
	}
}

// A pull interrupted after page 1 of 2 must leave the watermark unchanged;
// the retried pull starts from the prior watermark and converges.
func TestRunCycle_InterruptedPullKeepsWatermark(t *testing.T) {
	f := setup(t, connectivity.Static(true))

	var failPage2 = true
	f.client.pullFn = func(since float64, limit, offset int) (*models.PullPage, error) {
		if offset == 0 {
			return &models.PullPage{
				Entities: []*models.Entity{
					mustEntity(t, models.KindStatus, "tt1", 10, models.MovieStatus{IMDBID: "tt1", Status: models.StatusWatched}),
				},
				HasMore:    true,
				NextOffset: 1,
			}, nil
		}
		if failPage2 {
			return nil, fmt.Errorf("%w: connection reset", transport.ErrNetworkUnavailable)
		}
		return &models.PullPage{
			Entities: []*models.Entity{
				mustEntity(t, models.KindStatus, "tt2", 20, models.MovieStatus{IMDBID: "tt2", Status: models.StatusToWatch}),
			},
		}, nil
	}

	if err := f.coord.RunCycle(context.Background()); err != nil {
		t.Fatalf("interrupted cycle: %v", err)
	}

	wm, err := f.store.Watermark()
	if err != nil {
		t.Fatal(err)
	}
	if wm != 0 {
		t.Fatalf("watermark advanced on partial pull: %v", wm)
	}
	// Page 1 progress is kept; reapplying it later is idempotent.
	if _, err := f.store.Get(models.KindStatus, "tt1"); err != nil {
		t.Errorf("page 1 entity lost: %v", err)
	}

	failPage2 = false
	if err := f.coord.RunCycle(context.Background()); err != nil {
		t.Fatalf("retried cycle: %v", err)
	}
	if wm, _ = f.store.Watermark(); wm != 20 {
		t.Errorf("watermark = %v after converged pull, want 20", wm)
	}
	if _, err := f.store.Get(models.KindStatus, "tt2"); err != nil {
		t.Errorf("page 2 entity missing: %v", err)
	}
}

// Two devices voting for the same movie produce distinct keyed records;
// both must survive a sync.
func TestRunCycle_DistinctVotesBothSurvive(t *testing.T) {
	f := setup(t, connectivity.Static(true))

	f.client.pullFn = func(since float64, limit, offset int) (*models.PullPage, error) {
		return &models.PullPage{
			Entities: []*models.Entity{
				mustEntity(t, models.KindRecommendation, models.RecommendationKey("tt1", "alice"), 100,
					models.Recommendation{IMDBID: "tt1", Person: "alice"}),
				mustEntity(t, models.KindRecommendation, models.RecommendationKey("tt1", "bob"), 101,
					models.Recommendation{IMDBID: "tt1", Person: "bob"}),
			},
		}, nil
	}

	if err := f.coord.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	votes, err := f.store.List(models.KindRecommendation, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 2 {
		t.Errorf("votes = %d, want both to survive", len(votes))
	}
}

func TestTrigger_Coalesces(t *testing.T) {
	f := setup(t, connectivity.Static(true))
	f.coord.Trigger("manual")
	f.coord.Trigger("manual")
	f.coord.Trigger("channel")

	if got := len(f.coord.triggers); got != 1 {
		t.Errorf("trigger buffer = %d, want 1 (coalesced)", got)
	}
}

func TestServe_RecoversProcessingBeforeFirstCycle(t *testing.T) {
	f := setup(t, connectivity.Static(true))

	// Simulate a crash mid-dispatch: one item stranded in processing.
	id := mustEnqueue(t, f.queue, models.ActionAddPerson, models.Person{Name: "alice"})
	if err := f.queue.MarkProcessing([]uint64{id}); err != nil {
		t.Fatal(err)
	}

	f.cfgFallback(t, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.coord.Serve(ctx) //nolint:errcheck // returns ctx.Err on cancel
	}()

	// The startup cycle must dispatch the recovered item, not drop it.
	deadline := time.After(2 * time.Second)
	for f.client.dispatchCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("recovered item never dispatched")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

// cfgFallback shortens or lengthens the fallback ticker for a Serve test.
func (f *fixture) cfgFallback(t *testing.T, d time.Duration) {
	t.Helper()
	f.coord.cfg.FallbackInterval = d
}

func TestOptimisticWrite_AddRecommendation(t *testing.T) {
	f := setup(t, connectivity.Static(true))

	err := f.coord.AddRecommendation(models.Recommendation{IMDBID: "tt1", Person: "alice"})
	if err != nil {
		t.Fatalf("AddRecommendation: %v", err)
	}

	ent, err := f.store.Get(models.KindRecommendation, models.RecommendationKey("tt1", "alice"))
	if err != nil {
		t.Fatalf("optimistic write not visible: %v", err)
	}
	if ent.LastModified == 0 {
		t.Error("local write not stamped with local clock")
	}

	pending, err := f.queue.PeekPending(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ActionType != models.ActionAddRecommendation {
		t.Errorf("pending = %+v, want one addRecommendation", pending)
	}
	if len(f.coord.triggers) != 1 {
		t.Error("optimistic write did not request a cycle")
	}
}

func TestOptimisticWrite_Validation(t *testing.T) {
	f := setup(t, connectivity.Static(true))

	if err := f.coord.SetStatus("tt1", "binged"); err == nil {
		t.Error("unknown status accepted")
	}
	if err := f.coord.AddRecommendation(models.Recommendation{IMDBID: "tt1"}); err == nil {
		t.Error("vote without person accepted")
	}
	if err := f.coord.AddPerson(models.Person{}); err == nil {
		t.Error("person without name accepted")
	}

	if pending, _ := f.queue.PeekPending(0); len(pending) != 0 {
		t.Errorf("rejected writes reached the queue: %+v", pending)
	}
}
