package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/V4T54L/feedwatch/internal/domain"
)

// The refresh window starts on a bucket boundary so every bucket it touches
// is recomputed from all of its rows.
const refreshBucketsQuery = `INSERT INTO metric_buckets
	(time_bucket, source, source_id, label, count, avg_score, min_score, max_score)
SELECT
	to_timestamp(floor(extract(epoch FROM occurred_at)::double precision / $1) * $1) AS time_bucket,
	source,
	source_id,
	COALESCE(payload->>'label', '') AS label,
	COUNT(*),
	AVG(score),
	MIN(score),
	MAX(score)
FROM (
	SELECT occurred_at, source, source_id, payload,
		CASE WHEN jsonb_typeof(payload->'score') = 'number'
			THEN (payload->>'score')::double precision END AS score
	FROM records
	WHERE occurred_at >= to_timestamp(floor(extract(epoch FROM $2::timestamptz)::double precision / $1) * $1)
) scored
GROUP BY 1, 2, 3, 4
ON CONFLICT (time_bucket, source, source_id, label) DO UPDATE SET
	count = EXCLUDED.count,
	avg_score = EXCLUDED.avg_score,
	min_score = EXCLUDED.min_score,
	max_score = EXCLUDED.max_score`

const bucketsQuery = `SELECT time_bucket, source, source_id, label, count, avg_score, min_score, max_score
FROM metric_buckets
WHERE source = $1 AND time_bucket >= $2 AND time_bucket < $3
ORDER BY time_bucket, source_id, label`

// RefreshBuckets recomputes every metric bucket of the given width that
// contains records at or after since. It returns the number of buckets
// written.
func (r *RecordRepository) RefreshBuckets(ctx context.Context, width time.Duration, since time.Time) (int, error) {
	if width < time.Second {
		return 0, fmt.Errorf("bucket width %s is below one second", width)
	}
	res, err := r.db.ExecContext(ctx, refreshBucketsQuery, width.Seconds(), since.UTC())
	if err != nil {
		return 0, fmt.Errorf("refresh metric buckets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// Buckets lists aggregated buckets for source with from <= time_bucket < to.
func (r *RecordRepository) Buckets(ctx context.Context, source string, from, to time.Time) ([]domain.MetricBucket, error) {
	rows, err := r.db.QueryContext(ctx, bucketsQuery, source, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("buckets for %s: %w", source, err)
	}
	defer rows.Close()

	var buckets []domain.MetricBucket
	for rows.Next() {
		var b domain.MetricBucket
		if err := rows.Scan(&b.TimeBucket, &b.Source, &b.SourceID, &b.Label, &b.Count, &b.AvgScore, &b.MinScore, &b.MaxScore); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		b.TimeBucket = b.TimeBucket.UTC()
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate buckets: %w", err)
	}
	return buckets, nil
}
