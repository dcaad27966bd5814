// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

// Package models defines the entity records mirrored from the authoritative
// server and the wire types exchanged with it.
//
// Every entity carries a LastModified timestamp stamped by the server clock.
// The sync engine treats that timestamp as the sole ordering authority:
// an incoming record older than the locally stored one is never applied.
package models

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Kind identifies the entity type within the local store and on the wire.
type Kind string

// Entity kinds mirrored from the authoritative server.
const (
	KindMovie          Kind = "movie"
	KindPerson         Kind = "person"
	KindStatus         Kind = "status"
	KindWatch          Kind = "watch"
	KindRecommendation Kind = "recommendation"
	KindList           Kind = "list"
)

// ValidKind reports whether k is a known entity kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindMovie, KindPerson, KindStatus, KindWatch, KindRecommendation, KindList:
		return true
	}
	return false
}

// Entity is the envelope for any server-owned record mirrored locally.
// Data holds the kind-specific payload; the envelope is what the store,
// resolver, and transport operate on.
type Entity struct {
	Kind Kind   `json:"kind"`
	Key  string `json:"key"`

	// LastModified is seconds since epoch, stamped by the server on every
	// authoritative write. Local optimistic writes carry the local clock
	// until the server confirms them.
	LastModified float64 `json:"last_modified"`

	Data json.RawMessage `json:"data"`
}

// DecodeData unmarshals the kind-specific payload into v.
func (e *Entity) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// NewEntity builds an envelope around a kind-specific payload.
func NewEntity(kind Kind, key string, lastModified float64, payload interface{}) (*Entity, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Entity{Kind: kind, Key: key, LastModified: lastModified, Data: data}, nil
}

// Movie is catalog metadata for a single title, keyed by IMDb id.
type Movie struct {
	IMDBID   string  `json:"imdb_id"`
	Title    string  `json:"title"`
	Year     int     `json:"year,omitempty"`
	Poster   string  `json:"poster,omitempty"`
	Genre    string  `json:"genre,omitempty"`
	Director string  `json:"director,omitempty"`
	Runtime  int     `json:"runtime,omitempty"`
	Rating   float64 `json:"rating,omitempty"`
}

// Person is a recommender, keyed by name.
type Person struct {
	Name      string `json:"name"`
	IsTrusted bool   `json:"is_trusted"`
	IsDefault bool   `json:"is_default,omitempty"`
	Color     string `json:"color,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// WatchStatus values for a title.
const (
	StatusToWatch  = "toWatch"
	StatusWatching = "watching"
	StatusWatched  = "watched"
	StatusDropped  = "dropped"
)

// MovieStatus is the watch status of one title, keyed by IMDb id.
type MovieStatus struct {
	IMDBID string `json:"imdb_id"`
	Status string `json:"status"`
}

// WatchHistory records when a title was watched and how it was rated,
// keyed by IMDb id.
type WatchHistory struct {
	IMDBID      string  `json:"imdb_id"`
	DateWatched float64 `json:"date_watched,omitempty"`
	MyRating    float64 `json:"my_rating,omitempty"`
}

// Recommendation is a single recommender's vote for a title. Each
// (title, person) pair is a distinct keyed record, so votes from different
// devices never compete for the same key.
type Recommendation struct {
	IMDBID          string  `json:"imdb_id"`
	Person          string  `json:"person"`
	VoteType        string  `json:"vote_type,omitempty"`
	DateRecommended float64 `json:"date_recommended,omitempty"`
}

// RecommendationKey builds the composite key for a vote record.
func RecommendationKey(imdbID, person string) string {
	return imdbID + "/" + person
}

// WatchList is a named collection of title keys.
type WatchList struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

// placeholderPrefix marks keys minted locally before enrichment assigns the
// canonical catalog id. Queue items referencing such a key must be remapped
// before dispatch.
const placeholderPrefix = "tmp:"

// NewPlaceholderKey mints a local key for an entity created offline from
// user-supplied data only.
func NewPlaceholderKey() string {
	return placeholderPrefix + uuid.New().String()
}

// IsPlaceholderKey reports whether key was minted locally and still awaits
// its canonical catalog id.
func IsPlaceholderKey(key string) bool {
	return strings.HasPrefix(key, placeholderPrefix)
}
