package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/feedwatch/internal/domain"
	"github.com/V4T54L/feedwatch/internal/domain/mocks"
	"github.com/V4T54L/feedwatch/internal/usecase"
)

var baseTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type stubStatus struct {
	statuses []usecase.SourceStatus
}

func (s stubStatus) Snapshot() []usecase.SourceStatus { return s.statuses }

func (s stubStatus) Healthy() bool {
	for _, st := range s.statuses {
		if st.Stale {
			return false
		}
	}
	return true
}

type stubBuckets struct {
	buckets []domain.MetricBucket
	err     error
}

func (s stubBuckets) Buckets(ctx context.Context, source string, from, to time.Time) ([]domain.MetricBucket, error) {
	return s.buckets, s.err
}

// appendOnlySink has no timeline capability.
type appendOnlySink struct{}

func (appendOnlySink) Append(ctx context.Context, records []domain.Record) (int, error) {
	return len(records), nil
}

func (appendOnlySink) LoadIDs(ctx context.Context, source string) (map[string]struct{}, error) {
	return map[string]struct{}{}, nil
}

func newTestHandler(status StatusProvider, sink domain.Sink, buckets BucketReader) *HealthHandler {
	h := NewHealthHandler(status, sink, buckets, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.now = func() time.Time { return baseTime.Add(12 * time.Hour) }
	return h
}

func storedSink(offsets ...time.Duration) *mocks.MockSink {
	sink := &mocks.MockSink{}
	var records []domain.Record
	for i, off := range offsets {
		records = append(records, domain.Record{
			Source:     "alpha",
			SourceID:   string(rune('a' + i)),
			OccurredAt: baseTime.Add(off),
			Payload:    json.RawMessage(`{"category":"news"}`),
		})
	}
	sink.Append(context.Background(), records)
	return sink
}

func TestHealthHandler_HealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []usecase.SourceStatus
		wantStatus int
		wantBody   string
	}{
		{
			name:       "all fresh",
			statuses:   []usecase.SourceStatus{{Source: "alpha"}, {Source: "beta"}},
			wantStatus: http.StatusOK,
			wantBody:   "ok",
		},
		{
			name:       "one stale",
			statuses:   []usecase.SourceStatus{{Source: "alpha"}, {Source: "beta", Stale: true, StalenessSeconds: 1200}},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   "stale",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(stubStatus{statuses: tt.statuses}, &mocks.MockSink{}, nil)
			rr := httptest.NewRecorder()
			h.HealthCheck(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantStatus, rr.Code)
			var body healthResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tt.wantBody, body.Status)
			if tt.wantStatus != http.StatusOK {
				require.Len(t, body.Sources, 1)
				assert.Equal(t, "beta", body.Sources[0].Source)
			}
		})
	}
}

func TestHealthHandler_GetStaleness(t *testing.T) {
	h := newTestHandler(stubStatus{statuses: []usecase.SourceStatus{{Source: "alpha", StalenessSeconds: 42}}}, &mocks.MockSink{}, nil)
	rr := httptest.NewRecorder()
	h.GetStaleness(rr, httptest.NewRequest(http.MethodGet, "/health/staleness", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var body []usecase.SourceStatus
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, 42.0, body[0].StalenessSeconds)
}

func TestHealthHandler_GetGaps(t *testing.T) {
	sink := storedSink(0, 30*time.Minute, 3*time.Hour, 3*time.Hour+10*time.Minute)
	h := newTestHandler(stubStatus{}, sink, nil)

	rr := httptest.NewRecorder()
	h.GetGaps(rr, httptest.NewRequest(http.MethodGet, "/health/gaps?source=alpha&from=2024-05-01T00:00:00Z&to=2024-05-02T00:00:00Z", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body gapsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "alpha", body.Source)
	assert.Equal(t, 3600.0, body.ThresholdSeconds)
	require.Len(t, body.Gaps, 1)
	assert.Equal(t, "b", body.Gaps[0].Before.SourceID)
	assert.Equal(t, "c", body.Gaps[0].After.SourceID)
	assert.Equal(t, 150*time.Minute, body.Gaps[0].Size)
}

func TestHealthHandler_GetGapsDefaults(t *testing.T) {
	sink := storedSink(0, 2*time.Hour)
	h := newTestHandler(stubStatus{}, sink, nil)

	rr := httptest.NewRecorder()
	h.GetGaps(rr, httptest.NewRequest(http.MethodGet, "/health/gaps?source=alpha&threshold=3h", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body gapsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.To.Equal(baseTime.Add(12*time.Hour)))
	assert.True(t, body.From.Equal(baseTime.Add(-12*time.Hour)))
	assert.NotNil(t, body.Gaps)
	assert.Empty(t, body.Gaps)
}

func TestHealthHandler_GetGapsErrors(t *testing.T) {
	tests := []struct {
		name       string
		sink       domain.Sink
		query      string
		wantStatus int
	}{
		{"missing source", &mocks.MockSink{}, "", http.StatusBadRequest},
		{"bad from", &mocks.MockSink{}, "source=alpha&from=yesterday", http.StatusBadRequest},
		{"bad to", &mocks.MockSink{}, "source=alpha&to=now", http.StatusBadRequest},
		{"inverted range", &mocks.MockSink{}, "source=alpha&from=2024-05-02T00:00:00Z&to=2024-05-01T00:00:00Z", http.StatusBadRequest},
		{"bad threshold", &mocks.MockSink{}, "source=alpha&threshold=-1h", http.StatusBadRequest},
		{"no timeline", appendOnlySink{}, "source=alpha", http.StatusNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(stubStatus{}, tt.sink, nil)
			rr := httptest.NewRecorder()
			h.GetGaps(rr, httptest.NewRequest(http.MethodGet, "/health/gaps?"+tt.query, nil))
			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}

func TestHealthHandler_GetBuckets(t *testing.T) {
	avg := 2.0
	reader := stubBuckets{buckets: []domain.MetricBucket{{TimeBucket: baseTime, Source: "alpha", SourceID: "a", Count: 3, AvgScore: &avg}}}
	h := newTestHandler(stubStatus{}, &mocks.MockSink{}, reader)

	rr := httptest.NewRecorder()
	h.GetBuckets(rr, httptest.NewRequest(http.MethodGet, "/health/buckets?source=alpha", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var body []domain.MetricBucket
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body, 1)
	assert.Equal(t, int64(3), body[0].Count)
	require.NotNil(t, body[0].AvgScore)
	assert.Equal(t, 2.0, *body[0].AvgScore)
}

func TestHealthHandler_GetBucketsErrors(t *testing.T) {
	tests := []struct {
		name       string
		reader     BucketReader
		query      string
		wantStatus int
	}{
		{"unsupported", nil, "source=alpha", http.StatusNotImplemented},
		{"missing source", stubBuckets{}, "", http.StatusBadRequest},
		{"reader failure", stubBuckets{err: errors.New("connection reset")}, "source=alpha", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(stubStatus{}, &mocks.MockSink{}, tt.reader)
			rr := httptest.NewRecorder()
			h.GetBuckets(rr, httptest.NewRequest(http.MethodGet, "/health/buckets?"+tt.query, nil))
			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}
