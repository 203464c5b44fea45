package domain

import (
	"encoding/json"
	"time"
)

// Record is one item ingested from an upstream source.
// The triple (Source, SourceID, OccurredAt) is unique in storage and
// OccurredAt is the partitioning dimension, so it is never zero.
type Record struct {
	Source     string          `json:"source"`
	SourceID   string          `json:"source_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Processed  bool            `json:"processed"`
	IngestedAt time.Time       `json:"ingested_at,omitempty"` // set by the sink on write
}

// RecordKey identifies a stored record.
type RecordKey struct {
	Source     string
	SourceID   string
	OccurredAt int64 // unix nanoseconds, UTC
}

// Key returns the storage identity of the record.
func (r Record) Key() RecordKey {
	return RecordKey{
		Source:     r.Source,
		SourceID:   r.SourceID,
		OccurredAt: r.OccurredAt.UTC().UnixNano(),
	}
}

// MetricBucket is one row of the aggregated view keyed by
// (TimeBucket, Source, SourceID, Label).
type MetricBucket struct {
	TimeBucket time.Time `json:"time_bucket"`
	Source     string    `json:"source"`
	SourceID   string    `json:"source_id"`
	Label      string    `json:"label"`
	Count      int64     `json:"count"`
	AvgScore   *float64  `json:"avg_score,omitempty"`
	MinScore   *float64  `json:"min_score,omitempty"`
	MaxScore   *float64  `json:"max_score,omitempty"`
}

// TimelinePoint is a single stored event time with enough context to
// describe the surroundings of a gap.
type TimelinePoint struct {
	OccurredAt time.Time `json:"occurred_at"`
	SourceID   string    `json:"source_id"`
	Category   string    `json:"category,omitempty"`
}

// Gap is an interval between two consecutive event times that exceeded the
// configured threshold.
type Gap struct {
	Source string        `json:"source"`
	Before TimelinePoint `json:"before"`
	After  TimelinePoint `json:"after"`
	Size   time.Duration `json:"size_ns"`
}

// Category extracts the "category" field from a JSON object payload, or
// returns an empty string.
func Category(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var fields struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	return fields.Category
}
