package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/V4T54L/feedwatch/internal/adapter/api"
	"github.com/V4T54L/feedwatch/internal/adapter/api/handler"
	"github.com/V4T54L/feedwatch/internal/adapter/metrics"
	"github.com/V4T54L/feedwatch/internal/adapter/pii"
	"github.com/V4T54L/feedwatch/internal/adapter/upstream"
	"github.com/V4T54L/feedwatch/internal/pkg/config"
	"github.com/V4T54L/feedwatch/internal/pkg/logger"
	"github.com/V4T54L/feedwatch/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fetch loops, the health monitor and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending schema migrations before starting (postgres sink)")
	return cmd
}

func runServe(parent context.Context, migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry(log)

	sink, err := openSink(ctx, cfg, reg, log)
	if err != nil {
		return err
	}
	defer sink.Close()

	if migrate && sink.postgres != nil {
		if err := migrateUp(cfg, log); err != nil {
			return err
		}
	}

	redactor := pii.NewRedactor(cfg.RedactFields, log)
	names := make([]string, 0, len(sources))
	fetchers := make([]*usecase.Fetcher, 0, len(sources))
	for _, src := range sources {
		upstreamSource, err := upstream.NewHTTPSource(upstream.HTTPSourceOptions{
			Name:      src.Name,
			URL:       src.URL,
			PageLimit: src.PageLimit,
			UserAgent: cfg.UserAgent,
			Redactor:  redactor,
		}, log)
		if err != nil {
			return err
		}
		fetchCfg := fetcherConfig(cfg)
		if src.PollInterval > 0 {
			fetchCfg.PollInterval = src.PollInterval
		}
		fetchers = append(fetchers, usecase.NewFetcher(upstreamSource, sink.Sink, sink.kind, reg, fetchCfg, log))
		names = append(names, src.Name)
	}

	monitor := usecase.NewHealthMonitor(names, reg, sink.Sink, usecase.HealthConfig{
		Interval:       cfg.HealthInterval,
		StaleThreshold: cfg.StalenessThreshold,
	}, log)

	var buckets handler.BucketReader
	if sink.postgres != nil {
		buckets = sink.postgres
	}
	api.Mount(reg, api.NewRouter(monitor, sink.Sink, buckets, cfg.GapThreshold, log))

	if err := reg.StartServer(cfg.MetricsPort); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range fetchers {
		g.Go(func() error { return f.Run(gctx) })
	}
	g.Go(func() error { return monitor.Run(gctx) })
	if sink.postgres != nil {
		refresher := usecase.NewBucketRefresher(sink.postgres, usecase.BucketRefresherConfig{
			Interval: cfg.BucketRefreshInterval,
			Width:    cfg.BucketWidth,
			Lookback: cfg.BucketLookback,
		}, log)
		g.Go(func() error { return refresher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return reg.Shutdown(shutdownCtx)
	})

	log.Info("Feedwatch started", "sources", names, "sink", sink.kind, "metrics_addr", reg.Addr())
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("Feedwatch stopped gracefully")
	return nil
}

func fetcherConfig(cfg *config.Config) usecase.FetcherConfig {
	return usecase.FetcherConfig{
		PollInterval:     cfg.PollInterval,
		MaxAttempts:      cfg.MaxAttempts,
		Backoff:          usecase.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		RequestTimeout:   cfg.RequestTimeout,
		StorageTimeout:   cfg.StorageTimeout,
		MaxPagesPerCycle: cfg.MaxPagesPerCycle,
		ResyncInterval:   cfg.ResyncInterval,
		RateLimit:        cfg.RateLimit,
	}
}

func migrateUp(cfg *config.Config, log *slog.Logger) error {
	m, err := newMigrator(cfg, log)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Up()
}
