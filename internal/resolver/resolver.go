// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

// Package resolver implements deterministic last-write-wins merging of
// server state into the local store.
//
// There is exactly one rule, applied uniformly whether the incoming entity
// arrived via a batch-dispatch conflict response or an incremental pull
// page: apply iff no local copy exists or the incoming timestamp is greater
// than or equal to the local one. Ties favor the incoming value because the
// server clock is authoritative; equal timestamps only occur when the local
// copy already originated from that same server write, so applying is
// idempotent.
package resolver

import (
	"errors"
	"fmt"

	"github.com/tomtom215/reelsync/internal/logging"
	"github.com/tomtom215/reelsync/internal/metrics"
	"github.com/tomtom215/reelsync/internal/models"
	"github.com/tomtom215/reelsync/internal/store"
)

// Decision is the resolver's verdict for one incoming entity.
type Decision int

const (
	// Skip leaves the local copy in place: it is strictly newer.
	Skip Decision = iota

	// Apply overwrites the local copy with the incoming one.
	Apply
)

// String implements fmt.Stringer for logging and metrics labels.
func (d Decision) String() string {
	if d == Apply {
		return "apply"
	}
	return "skip"
}

// Decide is the pure merge rule over (incoming, local). local may be nil.
func Decide(incoming *models.Entity, local *models.Entity) Decision {
	if local == nil {
		return Apply
	}
	if incoming.LastModified >= local.LastModified {
		return Apply
	}
	return Skip
}

// Merge applies the decision for incoming against the store. Server-sourced
// state is always written with a preserved timestamp so the ordering
// invariant holds on the next comparison. Applying the same incoming value
// twice is a no-op by construction.
func Merge(s *store.Store, incoming *models.Entity) (Decision, error) {
	if incoming == nil {
		return Skip, errors.New("resolver: nil incoming entity")
	}

	local, err := s.Get(incoming.Kind, incoming.Key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Skip, fmt.Errorf("read local entity: %w", err)
	}

	decision := Decide(incoming, local)
	metrics.ResolverDecisions.WithLabelValues(decision.String()).Inc()

	if decision == Skip {
		logging.Debug().
			Str("kind", string(incoming.Kind)).
			Str("key", incoming.Key).
			Float64("incoming", incoming.LastModified).
			Float64("local", local.LastModified).
			Msg("resolver: incoming older than local, skipped")
		return Skip, nil
	}

	if err := s.Put(incoming, true); err != nil {
		return Skip, fmt.Errorf("apply incoming entity: %w", err)
	}
	return Apply, nil
}
