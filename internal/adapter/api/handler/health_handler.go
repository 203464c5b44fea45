package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/V4T54L/feedwatch/internal/domain"
	"github.com/V4T54L/feedwatch/internal/usecase"
)

const defaultGapWindow = 24 * time.Hour

// StatusProvider reports the last computed per-source health.
type StatusProvider interface {
	Snapshot() []usecase.SourceStatus
	Healthy() bool
}

// BucketReader lists aggregated metric buckets.
type BucketReader interface {
	Buckets(ctx context.Context, source string, from, to time.Time) ([]domain.MetricBucket, error)
}

// HealthHandler serves read-only health and gap endpoints.
type HealthHandler struct {
	status       StatusProvider
	sink         domain.Sink
	buckets      BucketReader
	gapThreshold time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// NewHealthHandler creates a new HealthHandler. buckets may be nil when the
// sink keeps no aggregated view.
func NewHealthHandler(status StatusProvider, sink domain.Sink, buckets BucketReader, gapThreshold time.Duration, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		status:       status,
		sink:         sink,
		buckets:      buckets,
		gapThreshold: gapThreshold,
		now:          time.Now,
		logger:       logger.With("component", "health_api"),
	}
}

type healthResponse struct {
	Status  string                 `json:"status"`
	Sources []usecase.SourceStatus `json:"sources,omitempty"`
}

type gapsResponse struct {
	Source           string       `json:"source"`
	From             time.Time    `json:"from"`
	To               time.Time    `json:"to"`
	ThresholdSeconds float64      `json:"threshold_seconds"`
	Gaps             []domain.Gap `json:"gaps"`
}

// HealthCheck reports 200 while every source is fresh and 503 otherwise.
// GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.status.Healthy() {
		h.respondWithJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}
	var stale []usecase.SourceStatus
	for _, s := range h.status.Snapshot() {
		if s.Stale {
			stale = append(stale, s)
		}
	}
	h.respondWithJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "stale", Sources: stale})
}

// GetStaleness returns the status of every source.
// GET /health/staleness
func (h *HealthHandler) GetStaleness(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, h.status.Snapshot())
}

// GetGaps runs an offline gap report over the stored timeline.
// GET /health/gaps?source={name}&from={rfc3339}&to={rfc3339}&threshold={duration}
func (h *HealthHandler) GetGaps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	source := q.Get("source")
	if source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}
	from, to, ok := h.parseRange(w, q.Get("from"), q.Get("to"))
	if !ok {
		return
	}

	threshold := h.gapThreshold
	if s := q.Get("threshold"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			http.Error(w, "invalid threshold parameter", http.StatusBadRequest)
			return
		}
		threshold = d
	}

	gaps, err := usecase.GapReport(r.Context(), h.sink, source, from, to, threshold)
	if errors.Is(err, usecase.ErrTimelineUnsupported) {
		http.Error(w, "gap reports are not supported by this sink", http.StatusNotImplemented)
		return
	}
	if err != nil {
		h.logger.Error("Failed to build gap report", "source", source, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if gaps == nil {
		gaps = []domain.Gap{}
	}

	h.respondWithJSON(w, http.StatusOK, gapsResponse{
		Source:           source,
		From:             from,
		To:               to,
		ThresholdSeconds: threshold.Seconds(),
		Gaps:             gaps,
	})
}

// GetBuckets lists aggregated metric buckets of a source.
// GET /health/buckets?source={name}&from={rfc3339}&to={rfc3339}
func (h *HealthHandler) GetBuckets(w http.ResponseWriter, r *http.Request) {
	if h.buckets == nil {
		http.Error(w, "metric buckets are not supported by this sink", http.StatusNotImplemented)
		return
	}
	q := r.URL.Query()
	source := q.Get("source")
	if source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}
	from, to, ok := h.parseRange(w, q.Get("from"), q.Get("to"))
	if !ok {
		return
	}

	buckets, err := h.buckets.Buckets(r.Context(), source, from, to)
	if err != nil {
		h.logger.Error("Failed to list metric buckets", "source", source, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if buckets == nil {
		buckets = []domain.MetricBucket{}
	}
	h.respondWithJSON(w, http.StatusOK, buckets)
}

// parseRange reads an RFC 3339 window, defaulting to the last 24 hours. It
// writes the error response itself and reports whether the caller may go on.
func (h *HealthHandler) parseRange(w http.ResponseWriter, fromStr, toStr string) (time.Time, time.Time, bool) {
	to := h.now().UTC()
	if toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			http.Error(w, "invalid to parameter", http.StatusBadRequest)
			return time.Time{}, time.Time{}, false
		}
		to = t.UTC()
	}
	from := to.Add(-defaultGapWindow)
	if fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			http.Error(w, "invalid from parameter", http.StatusBadRequest)
			return time.Time{}, time.Time{}, false
		}
		from = t.UTC()
	}
	if !from.Before(to) {
		http.Error(w, "from must be before to", http.StatusBadRequest)
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func (h *HealthHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
