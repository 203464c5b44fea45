package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/V4T54L/feedwatch/internal/adapter/metrics"
	"github.com/V4T54L/feedwatch/internal/domain"
)

const (
	defaultMaxAttempts      = 5
	defaultRequestTimeout   = 30 * time.Second
	defaultStorageTimeout   = 30 * time.Second
	defaultMaxPagesPerCycle = 10
	defaultPollInterval     = time.Minute
)

// FetcherConfig tunes one fetch loop.
type FetcherConfig struct {
	PollInterval     time.Duration
	MaxAttempts      int
	Backoff          Backoff
	RequestTimeout   time.Duration
	StorageTimeout   time.Duration
	MaxPagesPerCycle int
	// ResyncInterval rebuilds the id cache from the sink periodically. Zero
	// disables resync after the initial prime.
	ResyncInterval time.Duration
	// RateLimit caps upstream requests per second. Zero means unlimited.
	RateLimit float64
}

func (c FetcherConfig) withDefaults() FetcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.StorageTimeout <= 0 {
		c.StorageTimeout = defaultStorageTimeout
	}
	if c.MaxPagesPerCycle <= 0 {
		c.MaxPagesPerCycle = defaultMaxPagesPerCycle
	}
	return c
}

// CycleResult summarizes one polling cycle.
type CycleResult struct {
	Pages    int
	Fetched  int
	Written  int
	Cached   int
	Repeated int
	Conflict int
}

// Fetcher polls one source, filters pages through its own Deduplicator and
// appends survivors to the shared sink.
type Fetcher struct {
	source   domain.Source
	sink     domain.Sink
	sinkKind string
	dedup    *Deduplicator
	metrics  *metrics.Registry
	logger   *slog.Logger
	cfg      FetcherConfig
	limiter  *rate.Limiter
	sleep    Sleeper
	now      func() time.Time

	cursor      string
	consecutive int
	lastResync  time.Time
}

// NewFetcher wires a fetch loop for source. sinkKind labels ingest metrics.
func NewFetcher(source domain.Source, sink domain.Sink, sinkKind string, reg *metrics.Registry, cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &Fetcher{
		source:   source,
		sink:     sink,
		sinkKind: sinkKind,
		dedup:    NewDeduplicator(source.Name()),
		metrics:  reg,
		logger:   logger.With("component", "fetcher", "source", source.Name()),
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		sleep:    sleepContext,
		now:      time.Now,
	}
}

// Cursor returns the position the next cycle resumes from.
func (f *Fetcher) Cursor() string { return f.cursor }

// Run polls until ctx is cancelled. Cycle failures are logged and counted;
// they never end the loop.
func (f *Fetcher) Run(ctx context.Context) error {
	f.logger.Info("Starting fetch loop", "poll_interval", f.cfg.PollInterval)
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		f.runCycle(ctx)
		select {
		case <-ctx.Done():
			f.logger.Info("Stopping fetch loop")
			return nil
		case <-ticker.C:
		}
	}
}

func (f *Fetcher) runCycle(ctx context.Context) {
	res, err := f.RunCycle(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		f.metrics.IncCounter(metrics.CycleFailures, prometheus.Labels{"source": f.source.Name(), "reason": failureReason(err)})
		f.logger.Error("Fetch cycle failed", "error", err, "written", res.Written)
	}
}

// RunCycle primes or resyncs the id cache when due, then reads up to
// MaxPagesPerCycle pages. The cursor only moves past a page once its
// records are durably appended.
func (f *Fetcher) RunCycle(ctx context.Context) (CycleResult, error) {
	log := f.logger.With("cycle_id", uuid.NewString())
	var res CycleResult

	f.refreshCache(ctx, log)

	for res.Pages < f.cfg.MaxPagesPerCycle {
		page, err := f.fetchWithRetry(ctx, log)
		if err != nil {
			return res, err
		}
		res.Pages++
		res.Fetched += len(page.Records)

		accepted, cached, repeated := f.dedup.Filter(page.Records)
		res.Cached += cached
		res.Repeated += repeated

		conflict := 0
		if len(accepted) > 0 {
			written, err := f.appendRecords(ctx, accepted)
			if err != nil {
				return res, err
			}
			f.markAccepted(accepted, written)
			res.Written += written
			conflict = len(accepted) - written
			res.Conflict += conflict
		}
		f.countSkipped(cached, repeated, conflict)

		if page.Next == "" || len(page.Records) == 0 {
			break
		}
		f.cursor = page.Next
	}

	log.Info("Fetch cycle complete",
		"pages", res.Pages,
		"fetched", res.Fetched,
		"written", res.Written,
		"cached", res.Cached,
		"repeated", res.Repeated,
		"conflict", res.Conflict,
	)
	return res, nil
}

func (f *Fetcher) refreshCache(ctx context.Context, log *slog.Logger) {
	primed := f.dedup.Primed()
	if primed && (f.cfg.ResyncInterval <= 0 || f.now().Sub(f.lastResync) < f.cfg.ResyncInterval) {
		return
	}
	if err := f.dedup.Rebuild(ctx, f.sink); err != nil {
		// Storage uniqueness still rejects duplicates; the cache only saves work.
		log.Warn("Failed to load known ids, continuing with current cache", "error", err, "primed", primed)
		return
	}
	f.lastResync = f.now()
	f.metrics.SetGauge(metrics.KnownIDs, prometheus.Labels{"source": f.source.Name()}, float64(f.dedup.Len()))
	log.Info("Loaded known ids", "count", f.dedup.Len(), "resync", primed)
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, log *slog.Logger) (domain.Page, error) {
	var lastErr error
	for attempt := 0; attempt < f.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := f.cfg.Backoff.Delay(attempt - 1)
			log.Warn("Retrying fetch", "attempt", attempt+1, "wait", wait, "error", lastErr)
			if err := f.sleep(ctx, wait); err != nil {
				return domain.Page{}, err
			}
		}
		if err := f.limiter.Wait(ctx); err != nil {
			return domain.Page{}, err
		}

		page, err := f.fetchOnce(ctx)
		if err == nil {
			f.recordSuccess()
			return page, nil
		}

		lastErr = err
		class := domain.ClassOf(err)
		f.recordFailure(class)
		if !class.Retryable() {
			log.Error("Fetch failed with non-retryable error", "class", class, "error", err)
			return domain.Page{}, err
		}
	}
	return domain.Page{}, &domain.RetriesExhaustedError{Source: f.source.Name(), Attempts: f.cfg.MaxAttempts, Err: lastErr}
}

// fetchOnce detaches the request from ctx so an in-flight call runs to
// completion or to its own timeout.
func (f *Fetcher) fetchOnce(ctx context.Context) (domain.Page, error) {
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.RequestTimeout)
	defer cancel()
	defer f.metrics.StartTimer(metrics.FetchDuration, prometheus.Labels{"source": f.source.Name()})()

	page, err := f.source.Fetch(reqCtx, f.cursor)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		var fe *domain.FetchError
		if !errors.As(err, &fe) {
			err = &domain.FetchError{Class: domain.ClassConnection, Err: err}
		}
	}
	return page, err
}

func (f *Fetcher) appendRecords(ctx context.Context, records []domain.Record) (int, error) {
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.cfg.StorageTimeout)
	defer cancel()

	written, err := f.sink.Append(appendCtx, records)
	if err != nil {
		var se *domain.StorageError
		if !errors.As(err, &se) {
			err = &domain.StorageError{Sink: f.sinkKind, Op: "append", Err: err}
		}
		return 0, err
	}
	return written, nil
}

func (f *Fetcher) recordSuccess() {
	labels := prometheus.Labels{"source": f.source.Name()}
	f.metrics.IncCounter(metrics.FetchOperations, labels)
	f.consecutive = 0
	f.metrics.SetGauge(metrics.ConsecutiveErrors, labels, 0)
}

func (f *Fetcher) recordFailure(class domain.ErrorClass) {
	f.metrics.IncCounter(metrics.FetchErrors, prometheus.Labels{"source": f.source.Name(), "class": string(class)})
	f.consecutive++
	f.metrics.SetGauge(metrics.ConsecutiveErrors, prometheus.Labels{"source": f.source.Name()}, float64(f.consecutive))
}

func (f *Fetcher) markAccepted(records []domain.Record, written int) {
	var newest time.Time
	for _, r := range records {
		f.dedup.RecordAccepted(r.SourceID)
		if r.OccurredAt.After(newest) {
			newest = r.OccurredAt
		}
	}

	labels := prometheus.Labels{"source": f.source.Name()}
	f.metrics.AddCounter(metrics.RecordsIngested, prometheus.Labels{"source": f.source.Name(), "sink": f.sinkKind}, float64(written))
	f.metrics.SetGauge(metrics.KnownIDs, labels, float64(f.dedup.Len()))
	// Conflicting rows were stored by someone else; without knowing which
	// rows those were, the newest event time is only ours on a full write.
	if written == 0 || written != len(records) {
		return
	}
	ts := float64(newest.UnixNano()) / float64(time.Second)
	if ts > f.metrics.GaugeValue(metrics.LastRecordTimestamp, labels) {
		f.metrics.SetGauge(metrics.LastRecordTimestamp, labels, ts)
	}
}

func (f *Fetcher) countSkipped(cached, repeated, conflict int) {
	source := f.source.Name()
	f.metrics.AddCounter(metrics.RecordsSkipped, prometheus.Labels{"source": source, "reason": "cached"}, float64(cached))
	f.metrics.AddCounter(metrics.RecordsSkipped, prometheus.Labels{"source": source, "reason": "batch"}, float64(repeated))
	f.metrics.AddCounter(metrics.RecordsSkipped, prometheus.Labels{"source": source, "reason": "conflict"}, float64(conflict))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, domain.ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return string(domain.ClassOf(err))
	}
}
