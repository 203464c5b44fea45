package usecase

import (
	"context"
	"log/slog"
	"time"
)

// BucketStore recomputes the aggregated metric_buckets view.
type BucketStore interface {
	RefreshBuckets(ctx context.Context, width time.Duration, since time.Time) (int, error)
}

// BucketRefresherConfig tunes the aggregation loop. Lookback is how far
// behind now each pass starts, so late records land in their bucket.
type BucketRefresherConfig struct {
	Interval time.Duration
	Width    time.Duration
	Lookback time.Duration
}

// BucketRefresher keeps the aggregated view current.
type BucketRefresher struct {
	store  BucketStore
	cfg    BucketRefresherConfig
	now    func() time.Time
	logger *slog.Logger
}

func NewBucketRefresher(store BucketStore, cfg BucketRefresherConfig, logger *slog.Logger) *BucketRefresher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Width <= 0 {
		cfg.Width = 5 * time.Minute
	}
	if cfg.Lookback < cfg.Width {
		cfg.Lookback = cfg.Width
	}
	return &BucketRefresher{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "bucket_refresher"),
	}
}

// Run refreshes every Interval until ctx is cancelled. Failures are logged
// and retried on the next tick.
func (b *BucketRefresher) Run(ctx context.Context) error {
	b.logger.Info("Starting bucket refresher", "interval", b.cfg.Interval, "width", b.cfg.Width)
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := b.Refresh(ctx); err != nil && ctx.Err() == nil {
			b.logger.Error("Bucket refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			b.logger.Info("Stopping bucket refresher")
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh runs one pass over the lookback window.
func (b *BucketRefresher) Refresh(ctx context.Context) (int, error) {
	since := b.now().Add(-b.cfg.Lookback)
	n, err := b.store.RefreshBuckets(ctx, b.cfg.Width, since)
	if err != nil {
		return 0, err
	}
	b.logger.Debug("Refreshed metric buckets", "buckets", n, "since", since)
	return n, nil
}
