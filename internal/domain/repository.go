package domain

import (
	"context"
	"time"
)

// Sink is the storage-writing abstraction the fetch loop writes through.
// Implementations must be safe for concurrent use.
type Sink interface {
	// Append writes records in order and returns the number of rows actually
	// written. Records whose (source, source_id, occurred_at) already exists
	// are skipped silently and excluded from the count.
	Append(ctx context.Context, records []Record) (int, error)

	// LoadIDs returns the source_id values currently stored for source,
	// scoped to whatever range the sink was configured with.
	LoadIDs(ctx context.Context, source string) (map[string]struct{}, error)
}

// LatestReader is implemented by sinks that can report the newest stored
// event time for a source.
type LatestReader interface {
	LatestOccurredAt(ctx context.Context, source string) (time.Time, bool, error)
}

// TimelineReader is implemented by sinks that can list stored event times for
// offline gap analysis.
type TimelineReader interface {
	Timeline(ctx context.Context, source string, from, to time.Time) ([]TimelinePoint, error)
}

// Page is one response from an upstream source.
type Page struct {
	Records []Record
	Next    string // cursor for the following page, empty when exhausted
}

// Source is a paginated upstream read API.
type Source interface {
	Name() string

	// Fetch returns the page after cursor. Errors should be *FetchError so the
	// caller can pick a retry policy.
	Fetch(ctx context.Context, cursor string) (Page, error)
}
