// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/reelsync/internal/models"
)

// Session is the locally cached credential and identity. It outlives
// connectivity loss: only an explicit server rejection clears it.
type Session struct {
	Token      string      `json:"token"`
	User       models.User `json:"user"`
	VerifiedAt time.Time   `json:"verified_at"`
}

// CachedSession returns the stored session, or ErrNotFound when the device
// has never authenticated (or the session was cleared by a rejection).
func (s *Store) CachedSession() (*Session, error) {
	var sess Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keySession))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// SaveSession persists a verified session.
func (s *Store) SaveSession(sess *Session) error {
	if sess == nil {
		return errors.New("store: nil session")
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keySession), data)
	})
}

// ClearSession removes the cached session. Called only on an authoritative
// rejection, never on network unreachability.
func (s *Store) ClearSession() error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keySession))
	})
}
