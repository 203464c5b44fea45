package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Sink kinds accepted by SINK.
const (
	SinkFile     = "file"
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
)

// Config holds all application configuration.
type Config struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`

	Sink             string        `env:"SINK" envDefault:"file"`
	FileSinkDir      string        `env:"FILE_SINK_DIR" envDefault:"./data"`
	FileSegmentSize  int64         `env:"FILE_SEGMENT_SIZE_BYTES" envDefault:"104857600"`     // 100MB
	FileMaxTotalSize int64         `env:"FILE_MAX_TOTAL_SIZE_BYTES" envDefault:"10737418240"` // 10GB
	PostgresURL      string        `env:"POSTGRES_URL"`
	IDLookback       time.Duration `env:"ID_LOOKBACK" envDefault:"0s"`
	RedisAddr        string        `env:"REDIS_ADDR"`
	RedisKeyPrefix   string        `env:"REDIS_KEY_PREFIX" envDefault:"feedwatch"`

	SourcesFile string `env:"SOURCES_FILE" envDefault:"sources.yaml"`
	UserAgent   string `env:"FETCH_USER_AGENT" envDefault:"feedwatch/1.0"`
	// RedactFields are top-level payload fields masked before storage.
	RedactFields []string `env:"PAYLOAD_REDACT_FIELDS" envSeparator:","`

	PollInterval     time.Duration `env:"FETCH_POLL_INTERVAL" envDefault:"1m"`
	MaxAttempts      int           `env:"FETCH_MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase      time.Duration `env:"FETCH_BACKOFF_BASE" envDefault:"1s"`
	BackoffMax       time.Duration `env:"FETCH_BACKOFF_MAX" envDefault:"5m"`
	RequestTimeout   time.Duration `env:"FETCH_REQUEST_TIMEOUT" envDefault:"30s"`
	MaxPagesPerCycle int           `env:"FETCH_MAX_PAGES" envDefault:"10"`
	RateLimit        float64       `env:"FETCH_RATE_LIMIT" envDefault:"0"`
	StorageTimeout   time.Duration `env:"STORAGE_TIMEOUT" envDefault:"30s"`
	ResyncInterval   time.Duration `env:"RESYNC_INTERVAL" envDefault:"1h"`

	HealthInterval     time.Duration `env:"HEALTH_INTERVAL" envDefault:"30s"`
	StalenessThreshold time.Duration `env:"STALENESS_THRESHOLD" envDefault:"15m"`
	GapThreshold       time.Duration `env:"GAP_THRESHOLD" envDefault:"10m"`

	BucketRefreshInterval time.Duration `env:"BUCKET_REFRESH_INTERVAL" envDefault:"5m"`
	BucketWidth           time.Duration `env:"BUCKET_WIDTH" envDefault:"5m"`
	BucketLookback        time.Duration `env:"BUCKET_LOOKBACK" envDefault:"1h"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings that depend on each other.
func (c *Config) Validate() error {
	switch c.Sink {
	case SinkFile:
		if c.FileSinkDir == "" {
			return errors.New("FILE_SINK_DIR is required when SINK is file")
		}
		if c.FileSegmentSize <= 0 || c.FileMaxTotalSize < c.FileSegmentSize {
			return fmt.Errorf("file sink sizes are inconsistent: segment %d, total %d", c.FileSegmentSize, c.FileMaxTotalSize)
		}
	case SinkPostgres:
		if c.PostgresURL == "" {
			return errors.New("POSTGRES_URL is required when SINK is postgres")
		}
		if c.BucketWidth < time.Second {
			return fmt.Errorf("BUCKET_WIDTH must be at least 1s, got %s", c.BucketWidth)
		}
	case SinkRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required when SINK is redis")
		}
	default:
		return fmt.Errorf("unknown SINK %q", c.Sink)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("METRICS_PORT out of range: %d", c.MetricsPort)
	}
	if c.BackoffBase < 0 || c.BackoffMax < 0 {
		return errors.New("backoff durations must not be negative")
	}
	if c.IDLookback < 0 {
		return errors.New("ID_LOOKBACK must not be negative")
	}
	if c.RateLimit < 0 {
		return errors.New("FETCH_RATE_LIMIT must not be negative")
	}
	return nil
}

// Source describes one upstream feed.
type Source struct {
	Name         string        `yaml:"name"`
	URL          string        `yaml:"url"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	PageLimit    int           `yaml:"page_limit,omitempty"`
}

type sourcesFile struct {
	Sources []Source `yaml:"sources"`
}

// LoadSources reads the upstream feed list from a YAML file.
func LoadSources(path string) ([]Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sources: %w", err)
	}
	return ParseSources(data)
}

// ParseSources decodes and validates a sources document.
func ParseSources(data []byte) ([]Source, error) {
	var doc sourcesFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing sources: %w", err)
	}
	if len(doc.Sources) == 0 {
		return nil, errors.New("at least one source is required")
	}

	seen := make(map[string]bool, len(doc.Sources))
	for i, s := range doc.Sources {
		if s.Name == "" {
			return nil, fmt.Errorf("source %d: name is required", i)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("source %q is defined twice", s.Name)
		}
		seen[s.Name] = true

		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("source %q: url must be an absolute http(s) url", s.Name)
		}
		if s.PollInterval < 0 || s.PageLimit < 0 {
			return nil, fmt.Errorf("source %q: poll_interval and page_limit must not be negative", s.Name)
		}
	}
	return doc.Sources, nil
}
