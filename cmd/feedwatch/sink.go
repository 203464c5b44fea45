package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/feedwatch/internal/adapter/metrics"
	"github.com/V4T54L/feedwatch/internal/adapter/repository/file"
	"github.com/V4T54L/feedwatch/internal/adapter/repository/postgres"
	redisrepo "github.com/V4T54L/feedwatch/internal/adapter/repository/redis"
	"github.com/V4T54L/feedwatch/internal/domain"
	"github.com/V4T54L/feedwatch/internal/pkg/config"
)

// openedSink is the configured sink plus the capabilities only some
// variants have. Pass Sink itself downstream so optional interfaces such as
// domain.TimelineReader stay visible to type assertions.
type openedSink struct {
	domain.Sink
	kind     string
	postgres *postgres.RecordRepository
	close    func() error
}

func openSink(ctx context.Context, cfg *config.Config, reg *metrics.Registry, logger *slog.Logger) (*openedSink, error) {
	switch cfg.Sink {
	case config.SinkFile:
		s, err := file.NewSink(cfg.FileSinkDir, cfg.FileSegmentSize, cfg.FileMaxTotalSize, reg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open file sink: %w", err)
		}
		return &openedSink{Sink: s, kind: config.SinkFile, close: s.Close}, nil

	case config.SinkPostgres:
		db, err := postgres.Open(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		repo := postgres.NewRecordRepository(db, cfg.IDLookback, reg, logger)
		return &openedSink{Sink: repo, kind: config.SinkPostgres, postgres: repo, close: db.Close}, nil

	case config.SinkRedis:
		opts, err := redis.ParseURL(cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		repo := redisrepo.NewRecordRepository(client, cfg.RedisKeyPrefix, reg, logger)
		return &openedSink{Sink: repo, kind: config.SinkRedis, close: client.Close}, nil
	}
	return nil, errors.New("unknown sink " + cfg.Sink)
}

func (s *openedSink) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
