package metrics

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "feedwatch"

// Metric names accepted by the Registry. Label sets are fixed per metric and
// must only carry bounded values (source names, error classes, sink kinds).
const (
	FetchOperations     = "fetch_operations_total"
	FetchErrors         = "fetch_errors_total"
	FetchDuration       = "fetch_duration_seconds"
	ConsecutiveErrors   = "fetch_consecutive_errors"
	CycleFailures       = "cycle_failures_total"
	RecordsIngested     = "records_ingested_total"
	RecordsSkipped      = "records_skipped_total"
	SinkAppendDuration  = "sink_append_duration_seconds"
	SinkErrors          = "sink_errors_total"
	KnownIDs            = "known_ids"
	LastRecordTimestamp = "last_record_timestamp_seconds"
	Staleness           = "staleness_seconds"
	Stale               = "stale"
)

type kind int

const (
	counterKind kind = iota
	gaugeKind
	histogramKind
)

type definition struct {
	name    string
	help    string
	kind    kind
	labels  []string
	buckets []float64
}

var definitions = []definition{
	{FetchOperations, "Successful upstream fetches.", counterKind, []string{"source"}, nil},
	{FetchErrors, "Failed upstream fetch attempts by error class.", counterKind, []string{"source", "class"}, nil},
	{FetchDuration, "Duration of upstream fetch attempts in seconds.", histogramKind, []string{"source"}, prometheus.DefBuckets},
	{ConsecutiveErrors, "Failed fetch attempts since the last success.", gaugeKind, []string{"source"}, nil},
	{CycleFailures, "Fetch cycles that ended in an error, by reason.", counterKind, []string{"source", "reason"}, nil},
	{RecordsIngested, "Rows durably written by a sink.", counterKind, []string{"source", "sink"}, nil},
	{RecordsSkipped, "Fetched records not written, by reason (cached, batch, conflict).", counterKind, []string{"source", "reason"}, nil},
	{SinkAppendDuration, "Duration of sink append calls in seconds.", histogramKind, []string{"sink"}, prometheus.DefBuckets},
	{SinkErrors, "Sink append calls that failed.", counterKind, []string{"sink"}, nil},
	{KnownIDs, "Size of the in-memory known identifier set.", gaugeKind, []string{"source"}, nil},
	{LastRecordTimestamp, "Event time of the newest record written, as unix seconds.", gaugeKind, []string{"source"}, nil},
	{Staleness, "Seconds since the newest record written.", gaugeKind, []string{"source"}, nil},
	{Stale, "1 when staleness exceeds the configured threshold.", gaugeKind, []string{"source"}, nil},
}

// Registry holds every counter, gauge and histogram of the process and the
// HTTP endpoint that exposes them. All methods are safe for concurrent use.
type Registry struct {
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	logger     *slog.Logger

	mux    *http.ServeMux
	mu     sync.Mutex
	server *http.Server
	addr   string
}

// NewRegistry creates the metric set on a private prometheus registry.
func NewRegistry(logger *slog.Logger) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	r := &Registry{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		logger:     logger.With("component", "metrics"),
		mux:        http.NewServeMux(),
	}

	for _, d := range definitions {
		switch d.kind {
		case counterKind:
			r.counters[d.name] = factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      d.name,
				Help:      d.help,
			}, d.labels)
		case gaugeKind:
			r.gauges[d.name] = factory.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      d.name,
				Help:      d.help,
			}, d.labels)
		case histogramKind:
			r.histograms[d.name] = factory.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      d.name,
				Help:      d.help,
				Buckets:   d.buckets,
			}, d.labels)
		}
	}

	r.mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// IncCounter adds one to a counter.
func (r *Registry) IncCounter(name string, labels prometheus.Labels) {
	r.AddCounter(name, labels, 1)
}

// AddCounter adds n to a counter. Negative values are ignored.
func (r *Registry) AddCounter(name string, labels prometheus.Labels, n float64) {
	if n <= 0 {
		return
	}
	vec, ok := r.counters[name]
	if !ok {
		r.logger.Warn("Unknown counter", "name", name)
		return
	}
	c, err := vec.GetMetricWith(labels)
	if err != nil {
		r.logger.Warn("Invalid counter labels", "name", name, "error", err)
		return
	}
	c.Add(n)
}

// SetGauge stores the last value of a gauge.
func (r *Registry) SetGauge(name string, labels prometheus.Labels, value float64) {
	g, ok := r.gauge(name, labels)
	if !ok {
		return
	}
	g.Set(value)
}

// GaugeValue reads back the current value of a gauge. A series that was
// never set reads as 0.
func (r *Registry) GaugeValue(name string, labels prometheus.Labels) float64 {
	g, ok := r.gauge(name, labels)
	if !ok {
		return 0
	}
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		r.logger.Warn("Failed to read gauge", "name", name, "error", err)
		return 0
	}
	return m.GetGauge().GetValue()
}

// CounterValue reads back the current value of a counter series.
func (r *Registry) CounterValue(name string, labels prometheus.Labels) float64 {
	vec, ok := r.counters[name]
	if !ok {
		r.logger.Warn("Unknown counter", "name", name)
		return 0
	}
	c, err := vec.GetMetricWith(labels)
	if err != nil {
		r.logger.Warn("Invalid counter labels", "name", name, "error", err)
		return 0
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		r.logger.Warn("Failed to read counter", "name", name, "error", err)
		return 0
	}
	return m.GetCounter().GetValue()
}

// ObserveHistogram records a duration in seconds.
func (r *Registry) ObserveHistogram(name string, labels prometheus.Labels, d time.Duration) {
	vec, ok := r.histograms[name]
	if !ok {
		r.logger.Warn("Unknown histogram", "name", name)
		return
	}
	o, err := vec.GetMetricWith(labels)
	if err != nil {
		r.logger.Warn("Invalid histogram labels", "name", name, "error", err)
		return
	}
	o.Observe(d.Seconds())
}

// StartTimer starts a clock and returns the function that observes the
// elapsed time. Call it with defer so every exit path is measured.
func (r *Registry) StartTimer(name string, labels prometheus.Labels) func() {
	start := time.Now()
	return func() {
		r.ObserveHistogram(name, labels, time.Since(start))
	}
}

func (r *Registry) gauge(name string, labels prometheus.Labels) (prometheus.Gauge, bool) {
	vec, ok := r.gauges[name]
	if !ok {
		r.logger.Warn("Unknown gauge", "name", name)
		return nil, false
	}
	g, err := vec.GetMetricWith(labels)
	if err != nil {
		r.logger.Warn("Invalid gauge labels", "name", name, "error", err)
		return nil, false
	}
	return g, true
}
