// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

package models

import "github.com/goccy/go-json"

// Action types understood by the authoritative server's batch endpoint.
const (
	ActionAddRecommendation    = "addRecommendation"
	ActionRemoveRecommendation = "removeRecommendation"
	ActionMarkWatched          = "markWatched"
	ActionMarkUnwatched        = "markUnwatched"
	ActionUpdateStatus         = "updateStatus"
	ActionAddPerson            = "addPerson"
	ActionUpdatePersonTrust    = "updatePersonTrust"
	ActionUpdateList           = "updateList"
)

// ValidAction reports whether the action type is part of the wire contract.
func ValidAction(action string) bool {
	switch action {
	case ActionAddRecommendation, ActionRemoveRecommendation,
		ActionMarkWatched, ActionMarkUnwatched, ActionUpdateStatus,
		ActionAddPerson, ActionUpdatePersonTrust, ActionUpdateList:
		return true
	}
	return false
}

// SyncAction is one queued mutation on the wire.
// Timestamp is the client wall clock (seconds) at enqueue time; the server
// compares it against the entity's last_modified to detect stale writes.
type SyncAction struct {
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
}

// SyncResult is the server's verdict on a single dispatched action.
// Exactly one of three shapes comes back:
//   - success: Success=true, LastModified set
//   - conflict: Success=false, Conflict=true, ServerState carries the
//     authoritative entity snapshot
//   - failure: Success=false, Conflict=false, Error describes the problem
type SyncResult struct {
	Success      bool     `json:"success"`
	LastModified *float64 `json:"last_modified,omitempty"`
	Error        string   `json:"error,omitempty"`
	Conflict     bool     `json:"conflict"`
	ServerState  *Entity  `json:"server_state,omitempty"`
}

// BatchRequest carries an ordered list of actions to the server.
type BatchRequest struct {
	Actions         []SyncAction `json:"actions"`
	ClientTimestamp float64      `json:"client_timestamp"`
}

// BatchResponse carries one result per submitted action, in the same order.
type BatchResponse struct {
	Results         []SyncResult `json:"results"`
	ServerTimestamp float64      `json:"server_timestamp"`
}

// PullPage is one page of the incremental changes feed.
type PullPage struct {
	Entities        []*Entity `json:"entities"`
	HasMore         bool      `json:"has_more"`
	NextOffset      int       `json:"next_offset,omitempty"`
	ServerTimestamp float64   `json:"server_timestamp"`
}

// Notification types pushed over the change channel. The channel is purely
// an invalidation signal; payloads beyond the type are ignored.
const (
	NotifyConnected         = "connected"
	NotifyMovieUpdated      = "movieUpdated"
	NotifyPeopleUpdated     = "peopleUpdated"
	NotifyListUpdated       = "listUpdated"
	NotifyEntityDeleted     = "entityDeleted"
	NotifyCollectionUpdated = "collectionUpdated"
)

// Notification is a server-to-client change signal.
type Notification struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// InvalidatesCache reports whether a notification type should trigger an
// incremental pull. Unknown types are ignored rather than treated as errors,
// so the server can add types without breaking older clients.
func (n Notification) InvalidatesCache() bool {
	switch n.Type {
	case NotifyMovieUpdated, NotifyPeopleUpdated, NotifyListUpdated,
		NotifyEntityDeleted, NotifyCollectionUpdated:
		return true
	}
	return false
}

// User identifies the authenticated account as reported by the server.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}
