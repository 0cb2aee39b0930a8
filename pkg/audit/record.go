// Package audit streams context change events into BigQuery as an append-only
// change log.
package audit

import (
	"encoding/json"
	"time"

	"github.com/illmade-knight/go-contextstore/pkg/contextstore"
)

// Record is one row of the audit table. JSON payloads are stored as strings so
// the schema stays fixed whatever the stored values look like.
type Record struct {
	EventID       string    `bigquery:"event_id"`
	EventType     string    `bigquery:"event_type"`
	Key           string    `bigquery:"key"`
	Keys          []string  `bigquery:"keys"`
	Value         string    `bigquery:"value"`
	OldValue      string    `bigquery:"old_value"`
	Metadata      string    `bigquery:"metadata"`
	CorrelationID string    `bigquery:"correlation_id"`
	Expired       bool      `bigquery:"expired"`
	Succeeded     int       `bigquery:"succeeded"`
	Failed        int       `bigquery:"failed"`
	Timestamp     time.Time `bigquery:"timestamp"`
}

// RecordFromEvent converts a change event into an audit row.
func RecordFromEvent(ev contextstore.ChangeEvent) *Record {
	r := &Record{
		EventID:       ev.EventID,
		EventType:     string(ev.EventType),
		Key:           ev.Key,
		Keys:          ev.Keys,
		Value:         string(ev.Value),
		OldValue:      string(ev.OldValue),
		CorrelationID: ev.CorrelationID,
		Expired:       ev.Expired,
		Succeeded:     ev.Succeeded,
		Failed:        ev.Failed,
		Timestamp:     ev.Timestamp.UTC(),
	}
	if len(ev.Metadata) > 0 {
		if md, err := json.Marshal(ev.Metadata); err == nil {
			r.Metadata = string(md)
		}
	}
	return r
}
