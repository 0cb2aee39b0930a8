// Package contextstore implements an in-memory key/value context store with
// per-key TTL, a two-tier read cache, change notification to live subscribers,
// bulk operations and periodic crash-safe snapshots to disk.
//
// A Manager is constructed explicitly, started with Initialize and stopped
// with Shutdown; it is safe for concurrent use by any number of goroutines.
package contextstore

import (
	"encoding/json"
	"time"
)

// Entry is the authoritative unit of storage. Value and Metadata are owned by
// the entry and never mutated after it is stored; a write replaces the entry.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Metadata  map[string]any  `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	// ExpiresAt is zero for keys that never expire. It is populated on reads
	// from the expiry map; entries in the store do not carry it.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Item is the input to a set operation.
type Item struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	// TTL is the time-to-live in whole seconds. Nil means the key never expires;
	// when given it must be at least 1.
	TTL      *int           `json:"ttl,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TTL returns a pointer suitable for Item.TTL.
func TTL(seconds int) *int {
	return &seconds
}

// EventType identifies the kind of change a ChangeEvent describes.
type EventType string

const (
	EventSet        EventType = "set"
	EventDelete     EventType = "delete"
	EventBulkUpdate EventType = "bulk_update"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventSet, EventDelete, EventBulkUpdate:
		return true
	}
	return false
}

// ChangeEvent describes one committed mutation. It is delivered at most once
// to each matching subscription and is never persisted.
type ChangeEvent struct {
	EventID       string          `json:"event_id"`
	EventType     EventType       `json:"event_type"`
	Key           string          `json:"key,omitempty"`
	Value         json.RawMessage `json:"value,omitempty"`
	OldValue      json.RawMessage `json:"old_value,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`

	// Expired is set on delete events produced by TTL expiry.
	Expired bool `json:"expired,omitempty"`

	// Bulk update fields.
	Keys      []string `json:"keys,omitempty"`
	Succeeded int      `json:"succeeded,omitempty"`
	Failed    int      `json:"failed,omitempty"`
}

// OperationKind names a bulk sub-operation.
type OperationKind string

const (
	OpSet    OperationKind = "set"
	OpDelete OperationKind = "delete"
)

// Operation is one element of a bulk request.
type Operation struct {
	Operation OperationKind  `json:"operation"`
	Key       string         `json:"key"`
	Value     any            `json:"value,omitempty"`
	TTL       *int           `json:"ttl,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// BulkError records the failure of a single bulk sub-operation.
type BulkError struct {
	Index     int       `json:"index"`
	Operation Operation `json:"operation"`
	Error     string    `json:"error"`
}

// BulkResult summarises a bulk operation.
type BulkResult struct {
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Errors    []BulkError `json:"errors"`
}

// Stats is a point-in-time view of the manager's internal sizes.
type Stats struct {
	Keys          int    `json:"keys"`
	ExpiringKeys  int    `json:"expiring_keys"`
	CachedKeys    int    `json:"cached_keys"`
	Subscriptions int    `json:"subscriptions"`
	DroppedEvents uint64 `json:"dropped_events"`
}
