package usecase

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/V4T54L/feedwatch/internal/adapter/metrics"
	"github.com/V4T54L/feedwatch/internal/domain"
)

const (
	defaultHealthInterval = 30 * time.Second
	defaultStaleThreshold = 15 * time.Minute
)

// HealthConfig tunes the staleness check.
type HealthConfig struct {
	Interval       time.Duration
	StaleThreshold time.Duration
}

// SourceStatus is the last computed health of one source.
type SourceStatus struct {
	Source            string     `json:"source"`
	LastRecordAt      *time.Time `json:"last_record_at,omitempty"`
	StalenessSeconds  float64    `json:"staleness_seconds"`
	Stale             bool       `json:"stale"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	CheckedAt         time.Time  `json:"checked_at"`
}

// HealthMonitor turns the fetchers' last-record gauges into staleness gauges.
// Before a source has ingested anything, the newest stored event time is
// used when the sink can report it; otherwise staleness counts from the
// monitor's start.
type HealthMonitor struct {
	sources []string
	metrics *metrics.Registry
	latest  domain.LatestReader
	cfg     HealthConfig
	logger  *slog.Logger
	now     func() time.Time
	started time.Time

	mu     sync.RWMutex
	status map[string]SourceStatus
	seeds  map[string]time.Time
}

// NewHealthMonitor watches sources. sink may be nil or lack LatestReader.
func NewHealthMonitor(sources []string, reg *metrics.Registry, sink domain.Sink, cfg HealthConfig, logger *slog.Logger) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = defaultStaleThreshold
	}
	h := &HealthMonitor{
		sources: append([]string(nil), sources...),
		metrics: reg,
		cfg:     cfg,
		logger:  logger.With("component", "health"),
		now:     time.Now,
		status:  make(map[string]SourceStatus),
		seeds:   make(map[string]time.Time),
	}
	if lr, ok := sink.(domain.LatestReader); ok {
		h.latest = lr
	}
	h.started = h.now()
	return h
}

// Run refreshes the staleness gauges every Interval until ctx is cancelled.
func (h *HealthMonitor) Run(ctx context.Context) error {
	h.logger.Info("Starting health monitor", "interval", h.cfg.Interval, "stale_threshold", h.cfg.StaleThreshold)
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		h.Check(ctx)
		select {
		case <-ctx.Done():
			h.logger.Info("Stopping health monitor")
			return nil
		case <-ticker.C:
		}
	}
}

// Check computes staleness for every source once.
func (h *HealthMonitor) Check(ctx context.Context) {
	now := h.now()
	for _, source := range h.sources {
		labels := prometheus.Labels{"source": source}

		last, known := h.lastRecordAt(ctx, source)
		ref := last
		if !known {
			ref = h.started
		}
		staleness := now.Sub(ref)
		if staleness < 0 {
			staleness = 0
		}
		stale := staleness > h.cfg.StaleThreshold

		h.metrics.SetGauge(metrics.Staleness, labels, staleness.Seconds())
		h.metrics.SetGauge(metrics.Stale, labels, boolGauge(stale))

		st := SourceStatus{
			Source:            source,
			StalenessSeconds:  staleness.Seconds(),
			Stale:             stale,
			ConsecutiveErrors: int(h.metrics.GaugeValue(metrics.ConsecutiveErrors, labels)),
			CheckedAt:         now.UTC(),
		}
		if known {
			t := last.UTC()
			st.LastRecordAt = &t
		}

		h.mu.Lock()
		prev, seen := h.status[source]
		h.status[source] = st
		h.mu.Unlock()

		switch {
		case stale && (!seen || !prev.Stale):
			h.logger.Warn("Source is stale", "source", source, "staleness", staleness.Round(time.Second), "threshold", h.cfg.StaleThreshold)
		case !stale && seen && prev.Stale:
			h.logger.Info("Source recovered", "source", source, "staleness", staleness.Round(time.Second))
		}
	}
}

// Snapshot returns the last computed status of every source, sorted by name.
func (h *HealthMonitor) Snapshot() []SourceStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SourceStatus, 0, len(h.status))
	for _, st := range h.status {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Healthy reports whether no source is stale.
func (h *HealthMonitor) Healthy() bool {
	for _, st := range h.Snapshot() {
		if st.Stale {
			return false
		}
	}
	return true
}

func (h *HealthMonitor) lastRecordAt(ctx context.Context, source string) (time.Time, bool) {
	if ts := h.metrics.GaugeValue(metrics.LastRecordTimestamp, prometheus.Labels{"source": source}); ts > 0 {
		return time.Unix(0, int64(ts*float64(time.Second))), true
	}

	h.mu.RLock()
	seed, ok := h.seeds[source]
	h.mu.RUnlock()
	if ok {
		return seed, true
	}
	if h.latest == nil {
		return time.Time{}, false
	}

	latest, found, err := h.latest.LatestOccurredAt(ctx, source)
	if err != nil {
		h.logger.Warn("Failed to read latest stored record", "source", source, "error", err)
		return time.Time{}, false
	}
	if !found {
		return time.Time{}, false
	}
	h.mu.Lock()
	h.seeds[source] = latest
	h.mu.Unlock()
	return latest, true
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
