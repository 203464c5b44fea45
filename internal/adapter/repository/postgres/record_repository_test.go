package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/feedwatch/internal/adapter/metrics"
	"github.com/V4T54L/feedwatch/internal/domain"
)

var baseTime = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMockRepository(t *testing.T, lookback time.Duration) (*RecordRepository, sqlmock.Sqlmock, *metrics.Registry) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := metrics.NewRegistry(testLogger())
	repo := NewRecordRepository(db, lookback, reg, testLogger())
	repo.now = func() time.Time { return baseTime }
	return repo, mock, reg
}

func rec(id string, offset time.Duration) domain.Record {
	return domain.Record{
		Source:     "alpha",
		SourceID:   id,
		OccurredAt: baseTime.Add(offset),
		Payload:    json.RawMessage(`{"category":"news"}`),
	}
}

func expectCopy(mock sqlmock.Sqlmock, records []domain.Record) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TEMP TABLE records_stage")).WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare(regexp.QuoteMeta(`COPY "records_stage"`))
	for i, r := range records {
		prep.ExpectExec().
			WithArgs(i, r.Source, r.SourceID, sqlmock.AnyArg(), string(r.Payload), r.Processed).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestRecordRepository_AppendReturnsRowsAffected(t *testing.T) {
	repo, mock, reg := newMockRepository(t, 0)
	batch := []domain.Record{rec("a", 0), rec("b", time.Minute), rec("a", 0)}

	expectCopy(mock, batch)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO records")).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := repo.Append(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 0.0, reg.CounterValue(metrics.SinkErrors, prometheus.Labels{"sink": sinkName}))
}

func TestRecordRepository_AppendAllConflicts(t *testing.T) {
	repo, mock, _ := newMockRepository(t, 0)
	batch := []domain.Record{rec("a", 0)}

	expectCopy(mock, batch)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO records")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := repo.Append(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_AppendFailureRollsBack(t *testing.T) {
	repo, mock, reg := newMockRepository(t, 0)
	batch := []domain.Record{rec("a", 0)}

	expectCopy(mock, batch)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO records")).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	n, err := repo.Append(context.Background(), batch)
	assert.Equal(t, 0, n)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)

	var se *domain.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, sinkName, se.Sink)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1.0, reg.CounterValue(metrics.SinkErrors, prometheus.Labels{"sink": sinkName}))
}

func TestRecordRepository_AppendBeginFailure(t *testing.T) {
	repo, mock, _ := newMockRepository(t, 0)
	mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

	_, err := repo.Append(context.Background(), []domain.Record{rec("a", 0)})
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_AppendSkipsZeroOccurredAt(t *testing.T) {
	repo, mock, _ := newMockRepository(t, 0)

	n, err := repo.Append(context.Background(), []domain.Record{{Source: "alpha", SourceID: "x"}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_EmptyPayloadIsStagedAsObject(t *testing.T) {
	repo, mock, _ := newMockRepository(t, 0)
	r := rec("a", 0)
	r.Payload = nil

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TEMP TABLE records_stage")).WillReturnResult(sqlmock.NewResult(0, 0))
	prep := mock.ExpectPrepare(regexp.QuoteMeta(`COPY "records_stage"`))
	prep.ExpectExec().WithArgs(0, "alpha", "a", sqlmock.AnyArg(), "{}", false).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO records")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := repo.Append(context.Background(), []domain.Record{r})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_LoadIDs(t *testing.T) {
	t.Run("unbounded", func(t *testing.T) {
		repo, mock, _ := newMockRepository(t, 0)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT source_id FROM records")).
			WithArgs("alpha", nil).
			WillReturnRows(sqlmock.NewRows([]string{"source_id"}).AddRow("a").AddRow("b"))

		ids, err := repo.LoadIDs(context.Background(), "alpha")
		require.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"a": {}, "b": {}}, ids)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lookback window", func(t *testing.T) {
		repo, mock, _ := newMockRepository(t, 24*time.Hour)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT source_id FROM records")).
			WithArgs("alpha", baseTime.Add(-24*time.Hour)).
			WillReturnRows(sqlmock.NewRows([]string{"source_id"}).AddRow("a"))

		ids, err := repo.LoadIDs(context.Background(), "alpha")
		require.NoError(t, err)
		assert.Len(t, ids, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error", func(t *testing.T) {
		repo, mock, _ := newMockRepository(t, 0)
		mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT source_id FROM records")).
			WillReturnError(errors.New("relation does not exist"))

		_, err := repo.LoadIDs(context.Background(), "alpha")
		assert.Error(t, err)
	})
}

func TestRecordRepository_LatestOccurredAt(t *testing.T) {
	repo, mock, _ := newMockRepository(t, 0)

	mock.ExpectQuery(regexp.QuoteMeta(latestQuery)).WithArgs("alpha").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(baseTime))
	latest, ok, err := repo.LatestOccurredAt(context.Background(), "alpha")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, latest.Equal(baseTime))

	mock.ExpectQuery(regexp.QuoteMeta(latestQuery)).WithArgs("empty").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	_, ok, err = repo.LatestOccurredAt(context.Background(), "empty")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_Timeline(t *testing.T) {
	repo, mock, _ := newMockRepository(t, 0)
	from, to := baseTime, baseTime.Add(2*time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT occurred_at, source_id")).
		WithArgs("alpha", from, to).
		WillReturnRows(sqlmock.NewRows([]string{"occurred_at", "source_id", "category"}).
			AddRow(baseTime, "a", "news").
			AddRow(baseTime.Add(time.Hour), "b", ""))

	points, err := repo.Timeline(context.Background(), "alpha", from, to)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "news", points[0].Category)
	assert.Equal(t, "b", points[1].SourceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepository_RefreshBuckets(t *testing.T) {
	repo, mock, _ := newMockRepository(t, 0)

	_, err := repo.RefreshBuckets(context.Background(), 500*time.Millisecond, baseTime)
	assert.Error(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO metric_buckets")).
		WithArgs(300.0, baseTime).
		WillReturnResult(sqlmock.NewResult(0, 4))
	n, err := repo.RefreshBuckets(context.Background(), 5*time.Minute, baseTime)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
