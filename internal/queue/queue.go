// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

// Package queue implements the durable outbound write queue.
//
// Every optimistic local mutation is appended here before the UI returns.
// Items are persisted to BadgerDB (ACID, fsync when SyncWrites is on) and
// drained in creation order by the sync coordinator. An item leaves the
// queue only on server acknowledgement, conflict supersession, or explicit
// user discard; a crash mid-dispatch is recovered by resetting processing
// items to pending on startup.
package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/reelsync/internal/logging"
	"github.com/tomtom215/reelsync/internal/metrics"
)

// Item status values.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusFailed     = "failed"
)

// Sentinel errors.
var (
	ErrItemNotFound = errors.New("queue: item not found")
	ErrClosed       = errors.New("queue: closed")
)

const itemPrefix = "item:"

// Item is one not-yet-acknowledged local mutation.
type Item struct {
	// ID is a local, monotonically increasing sequence number. Key order in
	// BadgerDB equals creation order, which is what preserves causal
	// ordering between dependent actions.
	ID uint64 `json:"id"`

	ActionType string          `json:"action_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`

	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`

	// NextAttemptAt delays a retried item without blocking the rest of the
	// queue. Zero means eligible immediately.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

// Config configures the queue.
type Config struct {
	// Path is the BadgerDB directory.
	Path string

	// SyncWrites enables fsync on every commit.
	SyncWrites bool
}

// Queue is the BadgerDB-backed outbound write queue.
type Queue struct {
	db  *badger.DB
	seq *badger.Sequence

	// now is the clock, overridable in tests.
	now func() time.Time
}

// Open opens (or creates) the queue at cfg.Path.
func Open(cfg Config) (*Queue, error) {
	if cfg.Path == "" {
		return nil, errors.New("queue: path is required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	seq, err := db.GetSequence([]byte("seq:item"), 64)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sequence: %w", err)
	}

	return &Queue{
		db:  db,
		seq: seq,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the sequence and the underlying database.
func (q *Queue) Close() error {
	if err := q.seq.Release(); err != nil {
		logging.Warn().Err(err).Msg("queue: release sequence")
	}
	return q.db.Close()
}

func itemKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", itemPrefix, id))
}

// Enqueue appends a mutation to the queue and returns its id. Called
// synchronously with the optimistic local store write.
func (q *Queue) Enqueue(actionType string, payload interface{}) (uint64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	id, err := q.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}

	item := &Item{
		ID:         id,
		ActionType: actionType,
		Payload:    data,
		CreatedAt:  q.now(),
		Status:     StatusPending,
	}
	if err := q.writeItem(item); err != nil {
		return 0, err
	}
	return id, nil
}

func (q *Queue) writeItem(item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(itemKey(item.ID), data)
	})
}

// Get returns the item with the given id, or ErrItemNotFound.
func (q *Queue) Get(id uint64) (*Item, error) {
	var item Item
	err := q.db.View(func(txn *badger.Txn) error {
		it, err := txn.Get(itemKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrItemNotFound
		}
		if err != nil {
			return err
		}
		return it.Value(func(val []byte) error {
			return json.Unmarshal(val, &item)
		})
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// iterate walks every item in id (creation) order.
func (q *Queue) iterate(fn func(*Item) error) error {
	return q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(itemPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var item Item
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			})
			if err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("queue: skipping unreadable item")
				continue
			}
			if err := fn(&item); err != nil {
				return err
			}
		}
		return nil
	})
}

// errStopIteration terminates iterate early without reporting an error.
var errStopIteration = errors.New("stop iteration")

// PeekPending returns up to limit pending items eligible for dispatch
// (NextAttemptAt reached), in creation order.
func (q *Queue) PeekPending(limit int) ([]*Item, error) {
	now := q.now()
	var out []*Item
	err := q.iterate(func(item *Item) error {
		if item.Status != StatusPending {
			return nil
		}
		if !item.NextAttemptAt.IsZero() && now.Before(item.NextAttemptAt) {
			return nil
		}
		cp := *item
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	return out, nil
}

// MarkProcessing claims the given items for dispatch. Only the single
// in-flight coordinator cycle calls this, so a pending item is never claimed
// twice concurrently.
func (q *Queue) MarkProcessing(ids []uint64) error {
	for _, id := range ids {
		if err := q.setStatus(id, StatusProcessing, ""); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseProcessing returns claimed items to pending. Used when a dispatch
// fails at the transport level, before any per-item verdict arrived; the
// items carry no new retry count because the server never saw them.
func (q *Queue) ReleaseProcessing(ids []uint64) error {
	for _, id := range ids {
		if err := q.setStatus(id, StatusPending, ""); err != nil {
			return err
		}
	}
	return nil
}

// MarkSucceeded removes an acknowledged item from the queue.
func (q *Queue) MarkSucceeded(id uint64) error {
	return q.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(itemKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrItemNotFound
		}
		if err != nil {
			return err
		}
		return txn.Delete(itemKey(id))
	})
}

// Remove deletes an item superseded by conflict resolution. Identical to
// MarkSucceeded at the storage level; kept separate for call-site clarity.
func (q *Queue) Remove(id uint64) error {
	return q.MarkSucceeded(id)
}

// MarkFailed marks an item permanently failed. It stays visible until the
// user retries or discards it.
func (q *Queue) MarkFailed(id uint64, cause string) error {
	return q.setStatus(id, StatusFailed, cause)
}

func (q *Queue) setStatus(id uint64, status, cause string) error {
	return q.update(id, func(item *Item) {
		item.Status = status
		if cause != "" {
			item.LastError = cause
		}
	})
}

// update applies fn to the stored item in one transaction.
func (q *Queue) update(id uint64, fn func(*Item)) error {
	return q.db.Update(func(txn *badger.Txn) error {
		it, err := txn.Get(itemKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrItemNotFound
		}
		if err != nil {
			return err
		}

		var item Item
		if err := it.Value(func(val []byte) error {
			return json.Unmarshal(val, &item)
		}); err != nil {
			return fmt.Errorf("unmarshal item: %w", err)
		}

		fn(&item)

		data, err := json.Marshal(&item)
		if err != nil {
			return fmt.Errorf("marshal item: %w", err)
		}
		return txn.Set(itemKey(id), data)
	})
}

// IncrementRetry records a transient failure: bumps the retry count, stores
// the cause, resets the item to pending, and schedules the next attempt
// after the given delay. Returns the new retry count.
func (q *Queue) IncrementRetry(id uint64, cause string, delay time.Duration) (int, error) {
	var count int
	err := q.update(id, func(item *Item) {
		item.RetryCount++
		item.LastError = cause
		item.Status = StatusPending
		item.NextAttemptAt = q.now().Add(delay)
		count = item.RetryCount
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RetryFailed resets a permanently failed item for another round of
// attempts. User-initiated.
func (q *Queue) RetryFailed(id uint64) error {
	return q.update(id, func(item *Item) {
		item.Status = StatusPending
		item.RetryCount = 0
		item.LastError = ""
		item.NextAttemptAt = time.Time{}
	})
}

// Discard permanently deletes an item. User-initiated; the only sanctioned
// way a local write disappears without server acknowledgement.
func (q *Queue) Discard(id uint64) error {
	return q.Remove(id)
}

// Failed returns all permanently failed items, for user remediation.
func (q *Queue) Failed() ([]*Item, error) {
	var out []*Item
	err := q.iterate(func(item *Item) error {
		if item.Status == StatusFailed {
			cp := *item
			out = append(out, &cp)
		}
		return nil
	})
	return out, err
}

// RecoverProcessing resets items stranded in processing by a crash back to
// pending. Must run once on startup before the first cycle; a crash never
// silently drops or duplicates a write.
func (q *Queue) RecoverProcessing() (int, error) {
	var stranded []uint64
	err := q.iterate(func(item *Item) error {
		if item.Status == StatusProcessing {
			stranded = append(stranded, item.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, id := range stranded {
		if err := q.setStatus(id, StatusPending, ""); err != nil {
			return 0, err
		}
	}
	if len(stranded) > 0 {
		logging.Info().Int("count", len(stranded)).Msg("queue: recovered items stranded in processing")
	}
	return len(stranded), nil
}

// RemapReference rewrites every payload string field equal to oldKey across
// all items in the queue, in one transaction. Called when enrichment assigns
// a canonical key to a placeholder; after it returns, no dispatch can carry
// the stale reference.
func (q *Queue) RemapReference(oldKey, newKey string) (int, error) {
	remapped := 0
	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(itemPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var item Item
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &item)
			}); err != nil {
				continue
			}

			var payload map[string]interface{}
			if err := json.Unmarshal(item.Payload, &payload); err != nil {
				continue
			}
			if !remapValues(payload, oldKey, newKey) {
				continue
			}

			data, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("marshal remapped payload: %w", err)
			}
			item.Payload = data

			itemData, err := json.Marshal(&item)
			if err != nil {
				return fmt.Errorf("marshal item: %w", err)
			}
			if err := txn.Set(itemKey(item.ID), itemData); err != nil {
				return err
			}
			remapped++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if remapped > 0 {
		metrics.QueueRemapsTotal.Add(float64(remapped))
	}
	return remapped, nil
}

// remapValues replaces string values equal to oldKey anywhere in the decoded
// payload, descending into nested objects and arrays. Reports whether any
// replacement happened.
func remapValues(m map[string]interface{}, oldKey, newKey string) bool {
	changed := false
	for k, v := range m {
		switch val := v.(type) {
		case string:
			if val == oldKey {
				m[k] = newKey
				changed = true
			}
		case map[string]interface{}:
			if remapValues(val, oldKey, newKey) {
				changed = true
			}
		case []interface{}:
			for i, elem := range val {
				switch e := elem.(type) {
				case string:
					if e == oldKey {
						val[i] = newKey
						changed = true
					}
				case map[string]interface{}:
					if remapValues(e, oldKey, newKey) {
						changed = true
					}
				}
			}
		}
	}
	return changed
}

// Depths counts items by status and refreshes the queue depth gauges.
func (q *Queue) Depths() (pending, processing, failed int, err error) {
	err = q.iterate(func(item *Item) error {
		switch item.Status {
		case StatusPending:
			pending++
		case StatusProcessing:
			processing++
		case StatusFailed:
			failed++
		}
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}
	metrics.QueueDepth.WithLabelValues(StatusPending).Set(float64(pending))
	metrics.QueueDepth.WithLabelValues(StatusProcessing).Set(float64(processing))
	metrics.QueueDepth.WithLabelValues(StatusFailed).Set(float64(failed))
	return pending, processing, failed, nil
}
