package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/V4T54L/feedwatch/internal/domain"
)

// MockSink is an in-memory domain.Sink that enforces triple uniqueness the
// way a real store does.
type MockSink struct {
	mu        sync.Mutex
	keys      map[domain.RecordKey]struct{}
	Stored    []domain.Record
	Calls     int
	AppendErr error
	LoadErr   error
	// ExtraIDs are returned by LoadIDs on top of the stored records.
	ExtraIDs []string
}

func (m *MockSink) Append(ctx context.Context, records []domain.Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.AppendErr != nil {
		return 0, m.AppendErr
	}
	if m.keys == nil {
		m.keys = make(map[domain.RecordKey]struct{})
	}
	written := 0
	for _, r := range records {
		if _, ok := m.keys[r.Key()]; ok {
			continue
		}
		m.keys[r.Key()] = struct{}{}
		r.IngestedAt = time.Now().UTC()
		m.Stored = append(m.Stored, r)
		written++
	}
	return written, nil
}

func (m *MockSink) LoadIDs(ctx context.Context, source string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	ids := make(map[string]struct{})
	for _, r := range m.Stored {
		if r.Source == source {
			ids[r.SourceID] = struct{}{}
		}
	}
	for _, id := range m.ExtraIDs {
		ids[id] = struct{}{}
	}
	return ids, nil
}

func (m *MockSink) LatestOccurredAt(ctx context.Context, source string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest time.Time
	for _, r := range m.Stored {
		if r.Source == source && r.OccurredAt.After(latest) {
			latest = r.OccurredAt
		}
	}
	return latest, !latest.IsZero(), nil
}

func (m *MockSink) Timeline(ctx context.Context, source string, from, to time.Time) ([]domain.TimelinePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var points []domain.TimelinePoint
	for _, r := range m.Stored {
		if r.Source != source || r.OccurredAt.Before(from) || !r.OccurredAt.Before(to) {
			continue
		}
		points = append(points, domain.TimelinePoint{
			OccurredAt: r.OccurredAt,
			SourceID:   r.SourceID,
			Category:   domain.Category(r.Payload),
		})
	}
	return points, nil
}

// StoredCount returns the number of stored rows.
func (m *MockSink) StoredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Stored)
}

// FetchResponse is one scripted answer from MockSource.
type FetchResponse struct {
	Page domain.Page
	Err  error
}

// MockSource replays scripted responses in order. Once the script is
// exhausted it returns empty pages.
type MockSource struct {
	mu         sync.Mutex
	SourceName string
	Responses  []FetchResponse
	Cursors    []string
}

func (m *MockSource) Name() string { return m.SourceName }

func (m *MockSource) Fetch(ctx context.Context, cursor string) (domain.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cursors = append(m.Cursors, cursor)
	if len(m.Responses) == 0 {
		return domain.Page{}, nil
	}
	resp := m.Responses[0]
	m.Responses = m.Responses[1:]
	return resp.Page, resp.Err
}

// Requests returns the number of Fetch calls so far.
func (m *MockSource) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Cursors)
}
