package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/V4T54L/feedwatch/internal/adapter/metrics"
	"github.com/V4T54L/feedwatch/internal/domain"
)

const (
	sinkName   = "postgres"
	stageTable = "records_stage"
)

const createStageQuery = `CREATE TEMP TABLE ` + stageTable + ` (
	seq         INTEGER     NOT NULL,
	source      TEXT        NOT NULL,
	source_id   TEXT        NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL,
	payload     JSONB       NOT NULL,
	processed   BOOLEAN     NOT NULL
) ON COMMIT DROP`

// Rows already present, and repeats inside the batch after the first one,
// fall into DO NOTHING and are not counted by RowsAffected.
const mergeStageQuery = `INSERT INTO records (source, source_id, occurred_at, payload, processed)
SELECT source, source_id, occurred_at, payload, processed FROM ` + stageTable + `
ORDER BY seq
ON CONFLICT (source, source_id, occurred_at) DO NOTHING`

const loadIDsQuery = `SELECT DISTINCT source_id FROM records
WHERE source = $1 AND ($2::timestamptz IS NULL OR occurred_at >= $2)`

const latestQuery = `SELECT MAX(occurred_at) FROM records WHERE source = $1`

const timelineQuery = `SELECT occurred_at, source_id, COALESCE(payload->>'category', '')
FROM records
WHERE source = $1 AND occurred_at >= $2 AND occurred_at < $3
ORDER BY occurred_at, id`

// RecordRepository is the relational domain.Sink. Uniqueness of
// (source, source_id, occurred_at) is enforced by the records primary key.
type RecordRepository struct {
	db       *sql.DB
	lookback time.Duration
	metrics  *metrics.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewRecordRepository creates a PostgreSQL sink. A positive lookback limits
// LoadIDs to rows newer than now-lookback. m may be nil.
func NewRecordRepository(db *sql.DB, lookback time.Duration, m *metrics.Registry, logger *slog.Logger) *RecordRepository {
	return &RecordRepository{
		db:       db,
		lookback: lookback,
		metrics:  m,
		logger:   logger.With("component", "postgres_sink"),
		now:      time.Now,
	}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// Append stages the batch with COPY inside one transaction and merges it into
// records. The whole batch commits or none of it does.
func (r *RecordRepository) Append(ctx context.Context, records []domain.Record) (int, error) {
	rows := make([]domain.Record, 0, len(records))
	for _, rec := range records {
		if rec.OccurredAt.IsZero() {
			r.logger.Warn("Skipping record without occurred_at", "source", rec.Source, "source_id", rec.SourceID)
			continue
		}
		rows = append(rows, rec)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if r.metrics != nil {
		defer r.metrics.StartTimer(metrics.SinkAppendDuration, prometheus.Labels{"sink": sinkName})()
	}

	written, err := r.writeBatch(ctx, rows)
	if err != nil {
		return 0, r.fail("append", err)
	}
	return written, nil
}

func (r *RecordRepository) writeBatch(ctx context.Context, records []domain.Record) (int, error) {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback() // Rollback is a no-op if Commit() is called

	if _, err := txn.ExecContext(ctx, createStageQuery); err != nil {
		return 0, fmt.Errorf("create stage table: %w", err)
	}

	stmt, err := txn.PrepareContext(ctx, pq.CopyIn(stageTable, "seq", "source", "source_id", "occurred_at", "payload", "processed"))
	if err != nil {
		return 0, fmt.Errorf("prepare copy: %w", err)
	}
	for i, rec := range records {
		if _, err := stmt.ExecContext(ctx, i, rec.Source, rec.SourceID, rec.OccurredAt.UTC(), payloadText(rec), rec.Processed); err != nil {
			_ = stmt.Close()
			return 0, fmt.Errorf("copy row %d: %w", i, err)
		}
	}
	// Flush buffered COPY data.
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return 0, fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("close copy: %w", err)
	}

	res, err := txn.ExecContext(ctx, mergeStageQuery)
	if err != nil {
		return 0, fmt.Errorf("merge stage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(n), nil
}

// LoadIDs returns the source_ids stored for source within the lookback window.
func (r *RecordRepository) LoadIDs(ctx context.Context, source string) (map[string]struct{}, error) {
	var since sql.NullTime
	if r.lookback > 0 {
		since = sql.NullTime{Time: r.now().Add(-r.lookback).UTC(), Valid: true}
	}

	rows, err := r.db.QueryContext(ctx, loadIDsQuery, source, since)
	if err != nil {
		return nil, fmt.Errorf("load ids for %s: %w", source, err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

// LatestOccurredAt returns the newest stored event time for source.
func (r *RecordRepository) LatestOccurredAt(ctx context.Context, source string) (time.Time, bool, error) {
	var latest sql.NullTime
	if err := r.db.QueryRowContext(ctx, latestQuery, source).Scan(&latest); err != nil {
		return time.Time{}, false, fmt.Errorf("latest occurred_at for %s: %w", source, err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time.UTC(), true, nil
}

// Timeline lists stored event times for source with from <= occurred_at < to.
func (r *RecordRepository) Timeline(ctx context.Context, source string, from, to time.Time) ([]domain.TimelinePoint, error) {
	rows, err := r.db.QueryContext(ctx, timelineQuery, source, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("timeline for %s: %w", source, err)
	}
	defer rows.Close()

	var points []domain.TimelinePoint
	for rows.Next() {
		var p domain.TimelinePoint
		if err := rows.Scan(&p.OccurredAt, &p.SourceID, &p.Category); err != nil {
			return nil, fmt.Errorf("scan timeline point: %w", err)
		}
		p.OccurredAt = p.OccurredAt.UTC()
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	return points, nil
}

func (r *RecordRepository) fail(op string, err error) error {
	if r.metrics != nil {
		r.metrics.IncCounter(metrics.SinkErrors, prometheus.Labels{"sink": sinkName})
	}
	r.logger.Error("Append failed", "op", op, "error", err)
	return &domain.StorageError{Sink: sinkName, Op: op, Err: err}
}

func payloadText(rec domain.Record) string {
	if len(rec.Payload) == 0 {
		return "{}"
	}
	return string(rec.Payload)
}
