package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/feedwatch/internal/adapter/metrics"
	"github.com/V4T54L/feedwatch/internal/domain"
)

const (
	sinkName    = "redis"
	nanosDigits = 20
	scanCount   = 1000
)

// appendScript writes one source's batch atomically. Each record adds the
// member "<nanos>:<source_id>" to the id set; only a new member is appended
// to the stream. Zero-padded nanos keep the latest marker comparable as a
// string.
//
// KEYS: id set, stream, latest marker.
// ARGV: source, ingested_at, then (member, source_id, occurred_at, payload, processed) per record.
var appendScript = redis.NewScript(`
local written = 0
local latest = redis.call('GET', KEYS[3]) or ''
for i = 3, #ARGV, 5 do
	local member = ARGV[i]
	if redis.call('SADD', KEYS[1], member) == 1 then
		redis.call('XADD', KEYS[2], '*',
			'source', ARGV[1],
			'source_id', ARGV[i + 1],
			'occurred_at', ARGV[i + 2],
			'payload', ARGV[i + 3],
			'processed', ARGV[i + 4],
			'ingested_at', ARGV[2])
		local nanos = string.sub(member, 1, 20)
		if nanos > latest then
			latest = nanos
		end
		written = written + 1
	end
end
if written > 0 then
	redis.call('SET', KEYS[3], latest)
end
return written
`)

// RecordRepository is a domain.Sink over Redis. Accepted records are published
// to a per-source stream for downstream consumers; a per-source set of
// triples enforces uniqueness.
type RecordRepository struct {
	client  *redis.Client
	prefix  string
	metrics *metrics.Registry
	logger  *slog.Logger
	now     func() time.Time
}

// NewRecordRepository creates a Redis-backed sink. Keys are namespaced by
// prefix and hash-tagged by source. m may be nil.
func NewRecordRepository(client *redis.Client, prefix string, m *metrics.Registry, logger *slog.Logger) *RecordRepository {
	return &RecordRepository{
		client:  client,
		prefix:  prefix,
		metrics: m,
		logger:  logger.With("component", "redis_sink"),
		now:     time.Now,
	}
}

// StreamKey is the stream that receives accepted records of source.
func (r *RecordRepository) StreamKey(source string) string {
	return fmt.Sprintf("%s:{%s}:records", r.prefix, source)
}

func (r *RecordRepository) idsKey(source string) string {
	return fmt.Sprintf("%s:{%s}:ids", r.prefix, source)
}

func (r *RecordRepository) latestKey(source string) string {
	return fmt.Sprintf("%s:{%s}:latest", r.prefix, source)
}

// Append runs one script per source in the batch. Each script is atomic, so a
// failed call leaves nothing half-written for that source; a retry of the same
// batch skips whatever an earlier source group already committed.
func (r *RecordRepository) Append(ctx context.Context, records []domain.Record) (int, error) {
	groups, order := r.groupBySource(records)
	if len(order) == 0 {
		return 0, nil
	}
	if r.metrics != nil {
		defer r.metrics.StartTimer(metrics.SinkAppendDuration, prometheus.Labels{"sink": sinkName})()
	}

	ingestedAt := r.now().UTC().Format(time.RFC3339Nano)
	written := 0
	for _, source := range order {
		args := make([]interface{}, 0, 2+5*len(groups[source]))
		args = append(args, source, ingestedAt)
		for _, rec := range groups[source] {
			payload := string(rec.Payload)
			if payload == "" {
				payload = "{}"
			}
			args = append(args,
				member(rec),
				rec.SourceID,
				rec.OccurredAt.UTC().Format(time.RFC3339Nano),
				payload,
				strconv.FormatBool(rec.Processed),
			)
		}

		keys := []string{r.idsKey(source), r.StreamKey(source), r.latestKey(source)}
		n, err := appendScript.Run(ctx, r.client, keys, args...).Int()
		if err != nil {
			return 0, r.fail("append", fmt.Errorf("source %s: %w", source, err))
		}
		written += n
	}
	return written, nil
}

// LoadIDs returns every source_id in the triple set of source.
func (r *RecordRepository) LoadIDs(ctx context.Context, source string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	iter := r.client.SScan(ctx, r.idsKey(source), 0, "", scanCount).Iterator()
	for iter.Next(ctx) {
		_, id, ok := splitMember(iter.Val())
		if !ok {
			r.logger.Warn("Skipping malformed id set member", "source", source, "member", iter.Val())
			continue
		}
		ids[id] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan ids for %s: %w", source, err)
	}
	return ids, nil
}

// LatestOccurredAt returns the newest event time accepted for source.
func (r *RecordRepository) LatestOccurredAt(ctx context.Context, source string) (time.Time, bool, error) {
	val, err := r.client.Get(ctx, r.latestKey(source)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read latest for %s: %w", source, err)
	}
	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid latest marker for %s: %w", source, err)
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

// Timeline reads the stream of source and returns points with
// from <= occurred_at < to, sorted by event time.
func (r *RecordRepository) Timeline(ctx context.Context, source string, from, to time.Time) ([]domain.TimelinePoint, error) {
	msgs, err := r.client.XRange(ctx, r.StreamKey(source), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream for %s: %w", source, err)
	}

	var points []domain.TimelinePoint
	for _, msg := range msgs {
		occurredAt, err := time.Parse(time.RFC3339Nano, fmt.Sprint(msg.Values["occurred_at"]))
		if err != nil {
			r.logger.Warn("Skipping stream entry without a valid occurred_at", "source", source, "id", msg.ID)
			continue
		}
		if occurredAt.Before(from) || !occurredAt.Before(to) {
			continue
		}
		payload, _ := msg.Values["payload"].(string)
		sourceID, _ := msg.Values["source_id"].(string)
		points = append(points, domain.TimelinePoint{
			OccurredAt: occurredAt.UTC(),
			SourceID:   sourceID,
			Category:   domain.Category([]byte(payload)),
		})
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].OccurredAt.Before(points[j].OccurredAt) })
	return points, nil
}

func (r *RecordRepository) groupBySource(records []domain.Record) (map[string][]domain.Record, []string) {
	groups := make(map[string][]domain.Record)
	var order []string
	for _, rec := range records {
		if rec.OccurredAt.IsZero() {
			r.logger.Warn("Skipping record without occurred_at", "source", rec.Source, "source_id", rec.SourceID)
			continue
		}
		if _, ok := groups[rec.Source]; !ok {
			order = append(order, rec.Source)
		}
		groups[rec.Source] = append(groups[rec.Source], rec)
	}
	return groups, order
}

func (r *RecordRepository) fail(op string, err error) error {
	if r.metrics != nil {
		r.metrics.IncCounter(metrics.SinkErrors, prometheus.Labels{"sink": sinkName})
	}
	r.logger.Error("Append failed", "op", op, "error", err)
	return &domain.StorageError{Sink: sinkName, Op: op, Err: err}
}

func member(rec domain.Record) string {
	return fmt.Sprintf("%0*d:%s", nanosDigits, rec.OccurredAt.UnixNano(), rec.SourceID)
}

func splitMember(m string) (time.Time, string, bool) {
	nanos, id, ok := strings.Cut(m, ":")
	if !ok || len(nanos) != nanosDigits {
		return time.Time{}, "", false
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return time.Time{}, "", false
	}
	return time.Unix(0, n).UTC(), id, true
}
