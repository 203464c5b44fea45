package schema

// DefaultPartitions maps each table to the column it is time-partitioned on
// when it is created.
var DefaultPartitions = map[string]string{
	"records":        "occurred_at",
	"metric_buckets": "ts",
}

// LegacyMetricBuckets is metric_buckets as created by migration 0002.
func LegacyMetricBuckets() Table {
	return Table{
		Name: "metric_buckets",
		Columns: []Column{
			{Name: "ts", Type: "TIMESTAMPTZ"},
			{Name: "source", Type: "TEXT"},
			{Name: "source_id", Type: "TEXT"},
			{Name: "label", Type: "TEXT"},
			{Name: "metric_name", Type: "TEXT"},
			{Name: "count", Type: "BIGINT"},
			{Name: "avg_score", Type: "DOUBLE PRECISION", Nullable: true},
			{Name: "min_score", Type: "DOUBLE PRECISION", Nullable: true},
			{Name: "max_score", Type: "DOUBLE PRECISION", Nullable: true},
		},
		PrimaryKey:      []string{"ts", "source", "source_id", "label", "metric_name"},
		PKName:          "metric_buckets_pkey",
		PartitionColumn: "ts",
	}
}

// MetricBucketsRekey moves metric_buckets from (ts, ..., metric_name) to
// (time_bucket, source, source_id, label). Migration 0003 is its rendering.
var MetricBucketsRekey = Target{
	Mirrors:    []Mirror{{Column: "time_bucket", From: "ts"}},
	Drop:       []string{"metric_name", "ts"},
	PrimaryKey: []string{"time_bucket", "source", "source_id", "label"},
}
