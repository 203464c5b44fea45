//go:build integration

package schema

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupTestDatabase(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("feedwatch_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

func newTestMigrator(t *testing.T, connStr string) (*Migrator, *sql.DB) {
	t.Helper()
	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	m, err := NewMigrator(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, db
}

func primaryKey(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query(`
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = $1::regclass AND i.indisprimary
		ORDER BY array_position(i.indkey, a.attnum)`, table)
	require.NoError(t, err)
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		require.NoError(t, rows.Scan(&c))
		cols = append(cols, c)
	}
	require.NoError(t, rows.Err())
	return cols
}

func TestMigrator_RoundTrip(t *testing.T) {
	connStr := setupTestDatabase(t)
	m, db := newTestMigrator(t, connStr)

	require.NoError(t, m.Up())
	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
	assert.False(t, dirty)
	assert.Equal(t, []string{"time_bucket", "source", "source_id", "label"}, primaryKey(t, db, "metric_buckets"))

	// Up again is a no-op.
	require.NoError(t, m.Up())

	_, err = db.Exec(`INSERT INTO metric_buckets (time_bucket, source, source_id, label, count)
		VALUES ('2024-05-01T10:00:00Z', 'alpha', 'a', '', 3)`)
	require.NoError(t, err)

	require.NoError(t, m.Down())
	version, _, err = m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.Equal(t, []string{"ts", "source", "source_id", "label"}, primaryKey(t, db, "metric_buckets"))

	var ts time.Time
	require.NoError(t, db.QueryRow(`SELECT ts FROM metric_buckets WHERE source_id = 'a'`).Scan(&ts))
	assert.True(t, ts.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	// Forward again from the restored schema.
	require.NoError(t, m.Up())
	assert.Equal(t, []string{"time_bucket", "source", "source_id", "label"}, primaryKey(t, db, "metric_buckets"))
}
