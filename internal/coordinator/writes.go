// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

package coordinator

import (
	"fmt"

	"github.com/tomtom215/reelsync/internal/logging"
	"github.com/tomtom215/reelsync/internal/models"
)

// The optimistic-write path: apply to the local store with a local-clock
// timestamp, enqueue the mutation durably, request a cycle. The store and
// the in-flight cycle never touch the same queue items, so no mutual
// exclusion beyond the store's per-key atomicity is needed.

// write is the shared tail of every optimistic mutation.
func (c *Coordinator) write(kind models.Kind, key string, payload interface{}, action string) error {
	ent, err := models.NewEntity(kind, key, 0, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	// preserveTimestamp=false: the store stamps the local clock; the server
	// replaces it on acknowledgement.
	if err := c.store.Put(ent, false); err != nil {
		return fmt.Errorf("store %s %q: %w", kind, key, err)
	}

	id, err := c.queue.Enqueue(action, payload)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", action, err)
	}
	logging.Debug().Uint64("item", id).Str("action", action).Str("key", key).Msg("optimistic write queued")

	c.Trigger("local")
	return nil
}

// AddRecommendation records a recommender's vote for a title. Each
// (title, person) pair is its own record, so votes from different devices
// never overwrite each other.
func (c *Coordinator) AddRecommendation(rec models.Recommendation) error {
	if rec.IMDBID == "" || rec.Person == "" {
		return fmt.Errorf("recommendation requires imdb id and person")
	}
	key := models.RecommendationKey(rec.IMDBID, rec.Person)
	return c.write(models.KindRecommendation, key, rec, models.ActionAddRecommendation)
}

// RemoveRecommendation withdraws a vote.
func (c *Coordinator) RemoveRecommendation(imdbID, person string) error {
	key := models.RecommendationKey(imdbID, person)
	if err := c.store.Delete(models.KindRecommendation, key); err != nil {
		return fmt.Errorf("delete recommendation %q: %w", key, err)
	}
	payload := models.Recommendation{IMDBID: imdbID, Person: person}
	if _, err := c.queue.Enqueue(models.ActionRemoveRecommendation, payload); err != nil {
		return fmt.Errorf("enqueue %s: %w", models.ActionRemoveRecommendation, err)
	}
	c.Trigger("local")
	return nil
}

// SetStatus updates the watch status of a title.
func (c *Coordinator) SetStatus(imdbID, status string) error {
	switch status {
	case models.StatusToWatch, models.StatusWatching, models.StatusWatched, models.StatusDropped:
	default:
		return fmt.Errorf("unknown watch status %q", status)
	}
	payload := models.MovieStatus{IMDBID: imdbID, Status: status}
	return c.write(models.KindStatus, imdbID, payload, models.ActionUpdateStatus)
}

// MarkWatched records a watch event with an optional rating.
func (c *Coordinator) MarkWatched(watch models.WatchHistory) error {
	if watch.IMDBID == "" {
		return fmt.Errorf("watch record requires imdb id")
	}
	return c.write(models.KindWatch, watch.IMDBID, watch, models.ActionMarkWatched)
}

// MarkUnwatched reverses a watch event.
func (c *Coordinator) MarkUnwatched(imdbID string) error {
	if err := c.store.Delete(models.KindWatch, imdbID); err != nil {
		return fmt.Errorf("delete watch %q: %w", imdbID, err)
	}
	payload := models.WatchHistory{IMDBID: imdbID}
	if _, err := c.queue.Enqueue(models.ActionMarkUnwatched, payload); err != nil {
		return fmt.Errorf("enqueue %s: %w", models.ActionMarkUnwatched, err)
	}
	c.Trigger("local")
	return nil
}

// AddPerson registers a new recommender.
func (c *Coordinator) AddPerson(person models.Person) error {
	if person.Name == "" {
		return fmt.Errorf("person requires a name")
	}
	return c.write(models.KindPerson, person.Name, person, models.ActionAddPerson)
}

// SetPersonTrust toggles whether a recommender's votes count as trusted.
func (c *Coordinator) SetPersonTrust(name string, trusted bool) error {
	payload := models.Person{Name: name, IsTrusted: trusted}
	return c.write(models.KindPerson, name, payload, models.ActionUpdatePersonTrust)
}

// UpdateList replaces the contents of a named watch list.
func (c *Coordinator) UpdateList(list models.WatchList) error {
	if list.Name == "" {
		return fmt.Errorf("list requires a name")
	}
	return c.write(models.KindList, list.Name, list, models.ActionUpdateList)
}
