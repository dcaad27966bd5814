// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

// Package store implements the on-device durable cache of entities, the
// sync watermark, and the cached session, backed by BadgerDB.
//
// Writes are serializable badger transactions: a committed Put or Delete is
// visible to every subsequent read on the device, with no eventual-visibility
// window. Per-key atomicity is what the coordinator and the optimistic write
// path rely on instead of a shared lock.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/reelsync/internal/logging"
	"github.com/tomtom215/reelsync/internal/models"
)

// Sentinel errors.
var (
	ErrNotFound = errors.New("store: entity not found")
	ErrClosed   = errors.New("store: closed")
)

// Key prefixes. Entities are grouped by kind so List can iterate a single
// prefix; meta keys hold the watermark and cached session.
const (
	prefixEntity = "entity:"
	keyWatermark = "meta:watermark"
	keySession   = "meta:session"
)

// Config configures the store.
type Config struct {
	// Path is the BadgerDB directory.
	Path string

	// SyncWrites enables fsync on every commit.
	SyncWrites bool
}

// Store is the local durable store.
type Store struct {
	db *badger.DB

	// now stamps LastModified on optimistic writes. Overridable in tests.
	now func() float64
}

// Open opens (or creates) the store at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("store: path is required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Bool("sync_writes", cfg.SyncWrites).Msg("store opened")

	return &Store{
		db:  db,
		now: func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func entityKey(kind models.Kind, key string) []byte {
	return []byte(prefixEntity + string(kind) + ":" + key)
}

// Get returns the entity for (kind, key), or ErrNotFound.
func (s *Store) Get(kind models.Kind, key string) (*models.Entity, error) {
	var ent models.Entity
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entityKey(kind, key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ent)
		})
	})
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

// Put writes the entity. With preserveTimestamp=false the entity receives
// the local clock, for genuinely new optimistic writes. With
// preserveTimestamp=true the caller-supplied timestamp is kept, which is
// required when persisting server-confirmed state so the resolver's
// ordering invariant holds.
func (s *Store) Put(ent *models.Entity, preserveTimestamp bool) error {
	if ent == nil {
		return errors.New("store: nil entity")
	}
	if !models.ValidKind(ent.Kind) {
		return fmt.Errorf("store: unknown entity kind %q", ent.Kind)
	}

	if !preserveTimestamp {
		ent.LastModified = s.now()
	}

	data, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("marshal entity: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entityKey(ent.Kind, ent.Key), data)
	})
}

// Delete removes the entity for (kind, key). Deleting a missing key is not
// an error.
func (s *Store) Delete(kind models.Kind, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entityKey(kind, key))
	})
}

// List returns all entities of the given kind matching the predicate.
// A nil predicate matches everything.
func (s *Store) List(kind models.Kind, predicate func(*models.Entity) bool) ([]*models.Entity, error) {
	var out []*models.Entity
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixEntity + string(kind) + ":")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ent models.Entity
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ent)
			})
			if err != nil {
				logging.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("store: skipping unreadable entity")
				continue
			}
			if predicate == nil || predicate(&ent) {
				out = append(out, &ent)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return out, nil
}

// RemapKey moves an entity from a placeholder key to its canonical key in
// one transaction, preserving payload and timestamp. Used when enrichment
// assigns the catalog id.
func (s *Store) RemapKey(kind models.Kind, oldKey, newKey string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(entityKey(kind, oldKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var ent models.Entity
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ent)
		}); err != nil {
			return fmt.Errorf("unmarshal entity: %w", err)
		}

		ent.Key = newKey
		data, err := json.Marshal(&ent)
		if err != nil {
			return fmt.Errorf("marshal entity: %w", err)
		}

		if err := txn.Set(entityKey(kind, newKey), data); err != nil {
			return err
		}
		return txn.Delete(entityKey(kind, oldKey))
	})
}

// Watermark returns the persisted sync watermark, zero when never synced.
func (s *Store) Watermark() (float64, error) {
	var ts float64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyWatermark))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ts)
		})
	})
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	return ts, nil
}

// SetWatermark persists the sync watermark. Callers must only advance it
// after a fully completed pull.
func (s *Store) SetWatermark(ts float64) error {
	data, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyWatermark), data)
	})
}
