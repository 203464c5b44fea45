package usecase

import (
	"context"
	"fmt"

	"github.com/V4T54L/feedwatch/internal/domain"
)

// Deduplicator keeps the source_ids already stored for one source so repeated
// upstream pages do not reach the sink. It is a cache: the sink's uniqueness
// constraint stays authoritative. Owned by a single Fetcher and not safe for
// concurrent use.
type Deduplicator struct {
	source string
	known  map[string]struct{}
	primed bool
}

// NewDeduplicator returns an empty, unprimed cache for source.
func NewDeduplicator(source string) *Deduplicator {
	return &Deduplicator{
		source: source,
		known:  make(map[string]struct{}),
	}
}

// ShouldAccept reports whether id has not been seen.
func (d *Deduplicator) ShouldAccept(id string) bool {
	_, ok := d.known[id]
	return !ok
}

// RecordAccepted marks id as stored. Call it only after the sink confirmed the
// write.
func (d *Deduplicator) RecordAccepted(id string) {
	d.known[id] = struct{}{}
}

// Filter returns the records whose id is unknown, keeping only the first
// occurrence of an id inside the batch. cached counts records dropped because
// the id was known; repeated counts later occurrences within the batch.
func (d *Deduplicator) Filter(records []domain.Record) (accepted []domain.Record, cached, repeated int) {
	seen := make(map[string]struct{}, len(records))
	accepted = make([]domain.Record, 0, len(records))
	for _, r := range records {
		if !d.ShouldAccept(r.SourceID) {
			cached++
			continue
		}
		if _, ok := seen[r.SourceID]; ok {
			repeated++
			continue
		}
		seen[r.SourceID] = struct{}{}
		accepted = append(accepted, r)
	}
	return accepted, cached, repeated
}

// Rebuild replaces the cache with the ids the sink holds for the source. On
// error the current contents are kept.
func (d *Deduplicator) Rebuild(ctx context.Context, sink domain.Sink) error {
	ids, err := sink.LoadIDs(ctx, d.source)
	if err != nil {
		return fmt.Errorf("failed to load ids for %s: %w", d.source, err)
	}
	d.known = ids
	if d.known == nil {
		d.known = make(map[string]struct{})
	}
	d.primed = true
	return nil
}

// Primed reports whether Rebuild has succeeded at least once.
func (d *Deduplicator) Primed() bool { return d.primed }

// Len returns the number of cached ids.
func (d *Deduplicator) Len() int { return len(d.known) }
