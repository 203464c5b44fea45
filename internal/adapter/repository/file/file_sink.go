package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/V4T54L/feedwatch/internal/adapter/metrics"
	"github.com/V4T54L/feedwatch/internal/domain"
)

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".csv"
	filePerm      = 0644
	sinkName      = "file"
)

// Column order of every row.
const (
	colSource = iota
	colSourceID
	colOccurredAt
	colIngestedAt
	colProcessed
	colPayload
	numColumns
)

// Sink is an append-only, segmented CSV store. Uniqueness of
// (source, source_id, occurred_at) is enforced by an in-memory index that is
// rebuilt from the segments when the sink is opened.
type Sink struct {
	dir            string
	maxSegmentSize int64
	maxTotalSize   int64
	logger         *slog.Logger
	metrics        *metrics.Registry
	now            func() time.Time

	mu             sync.Mutex
	currentSegment *os.File
	currentSize    int64
	keys           map[domain.RecordKey]struct{}
	latest         map[string]time.Time
}

// NewSink opens (or creates) the segment directory and indexes existing rows.
// m may be nil.
func NewSink(dir string, maxSegmentSize, maxTotalSize int64, m *metrics.Registry, logger *slog.Logger) (*Sink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sink directory %s: %w", dir, err)
	}

	s := &Sink{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		maxTotalSize:   maxTotalSize,
		logger:         logger.With("component", "file_sink"),
		metrics:        m,
		now:            time.Now,
		keys:           make(map[domain.RecordKey]struct{}),
		latest:         make(map[string]time.Time),
	}

	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	if err := s.openLatestSegment(); err != nil {
		return nil, err
	}

	return s, nil
}

// Append writes the records that are not stored yet as one buffered write
// followed by fsync. Either the whole batch of new rows is committed or none
// of it is.
func (s *Sink) Append(ctx context.Context, records []domain.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if s.metrics != nil {
		defer s.metrics.StartTimer(metrics.SinkAppendDuration, prometheus.Labels{"sink": sinkName})()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, s.fail("append", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	ingestedAt := s.now().UTC()
	pending := make([]domain.Record, 0, len(records))
	batch := make(map[domain.RecordKey]struct{}, len(records))

	for _, r := range records {
		if r.OccurredAt.IsZero() {
			s.logger.Warn("Skipping record without occurred_at", "source", r.Source, "source_id", r.SourceID)
			continue
		}
		k := r.Key()
		if _, ok := s.keys[k]; ok {
			continue
		}
		if _, ok := batch[k]; ok {
			continue
		}
		batch[k] = struct{}{}
		r.IngestedAt = ingestedAt
		if err := w.Write(encodeRow(r)); err != nil {
			return 0, s.fail("encode", err)
		}
		pending = append(pending, r)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, s.fail("encode", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if s.currentSegment == nil {
		if err := s.rotate(); err != nil {
			return 0, s.fail("rotate", err)
		}
	}

	totalSize, err := s.calculateTotalSize()
	if err != nil {
		return 0, s.fail("stat", fmt.Errorf("could not verify disk usage: %w", err))
	}
	if totalSize+int64(buf.Len()) > s.maxTotalSize {
		return 0, s.fail("append", fmt.Errorf("max total size exceeded (%d > %d)", totalSize+int64(buf.Len()), s.maxTotalSize))
	}

	before := s.currentSize
	n, err := s.currentSegment.Write(buf.Bytes())
	if err == nil {
		err = s.currentSegment.Sync()
	}
	if err != nil {
		// Cut the torn tail so the next batch starts on a row boundary.
		if n > 0 {
			if terr := s.currentSegment.Truncate(before); terr != nil {
				s.logger.Error("Failed to truncate torn segment tail", "error", terr)
			}
		}
		return 0, s.fail("write", err)
	}
	s.currentSize += int64(n)

	for _, r := range pending {
		s.remember(r)
	}

	if s.currentSize >= s.maxSegmentSize {
		if err := s.rotate(); err != nil {
			s.logger.Error("Failed to rotate segment", "error", err)
		}
	}

	return len(pending), nil
}

// LoadIDs returns the source_ids indexed for source.
func (s *Sink) LoadIDs(ctx context.Context, source string) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]struct{})
	for k := range s.keys {
		if k.Source == source {
			ids[k.SourceID] = struct{}{}
		}
	}
	return ids, nil
}

// LatestOccurredAt returns the newest event time stored for source.
func (s *Sink) LatestOccurredAt(ctx context.Context, source string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.latest[source]
	return t, ok, nil
}

// Timeline scans every segment for rows of source with from <= occurred_at < to.
func (s *Sink) Timeline(ctx context.Context, source string, from, to time.Time) ([]domain.TimelinePoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var points []domain.TimelinePoint
	err := s.scan(ctx, func(r domain.Record) {
		if r.Source != source || r.OccurredAt.Before(from) || !r.OccurredAt.Before(to) {
			return
		}
		points = append(points, domain.TimelinePoint{
			OccurredAt: r.OccurredAt,
			SourceID:   r.SourceID,
			Category:   domain.Category(r.Payload),
		})
	})
	if err != nil {
		return nil, err
	}
	return points, nil
}

// Close ensures the current segment is closed gracefully.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentSegment != nil {
		err := s.currentSegment.Close()
		s.currentSegment = nil
		return err
	}
	return nil
}

func (s *Sink) fail(op string, err error) error {
	if s.metrics != nil {
		s.metrics.IncCounter(metrics.SinkErrors, prometheus.Labels{"sink": sinkName})
	}
	s.logger.Error("Append failed", "op", op, "error", err)
	return &domain.StorageError{Sink: sinkName, Op: op, Err: err}
}

func (s *Sink) remember(r domain.Record) {
	s.keys[r.Key()] = struct{}{}
	if r.OccurredAt.After(s.latest[r.Source]) {
		s.latest[r.Source] = r.OccurredAt.UTC()
	}
}

func (s *Sink) rebuildIndex() error {
	rows := 0
	err := s.scan(context.Background(), func(r domain.Record) {
		s.remember(r)
		rows++
	})
	if err != nil {
		return err
	}
	s.logger.Info("Indexed existing segments", "rows", rows, "keys", len(s.keys))
	return nil
}

// scan decodes every row of every segment in order. Rows that fail to parse
// (for example a tail torn by a crash) are logged and skipped.
func (s *Sink) scan(ctx context.Context, fn func(domain.Record)) error {
	segments, err := s.getSortedSegments()
	if err != nil {
		return err
	}

	for _, segmentPath := range segments {
		if err := s.scanSegment(ctx, segmentPath, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) scanSegment(ctx context.Context, segmentPath string, fn func(domain.Record)) error {
	file, err := os.Open(segmentPath)
	if err != nil {
		return fmt.Errorf("failed to open segment %s: %w", segmentPath, err)
	}
	defer file.Close()

	reader := csv.NewReader(bufio.NewReader(file))
	reader.FieldsPerRecord = numColumns
	reader.ReuseRecord = true

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				s.logger.Warn("Skipping malformed row", "segment", segmentPath, "line", perr.Line, "error", err)
				continue
			}
			return fmt.Errorf("error scanning segment %s: %w", segmentPath, err)
		}
		r, err := decodeRow(row)
		if err != nil {
			s.logger.Warn("Skipping undecodable row", "segment", segmentPath, "error", err)
			continue
		}
		fn(r)
	}
}

func (s *Sink) rotate() error {
	if s.currentSegment != nil {
		if err := s.currentSegment.Sync(); err != nil {
			s.logger.Error("Failed to sync segment before rotating", "error", err)
		}
		if err := s.currentSegment.Close(); err != nil {
			s.logger.Error("Failed to close segment before rotating", "error", err)
		}
		s.currentSegment = nil
	}

	segmentName := fmt.Sprintf("%s%020d%s", segmentPrefix, time.Now().UnixNano(), segmentSuffix)
	path := filepath.Join(s.dir, segmentName)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create new segment %s: %w", path, err)
	}

	s.currentSegment = f
	s.currentSize = 0
	s.logger.Info("Rotated to new segment", "path", path)
	return nil
}

func (s *Sink) openLatestSegment() error {
	segments, err := s.getSortedSegments()
	if err != nil {
		return err
	}

	if len(segments) == 0 {
		return s.rotate()
	}

	latestSegmentPath := segments[len(segments)-1]
	stat, err := os.Stat(latestSegmentPath)
	if err != nil {
		return fmt.Errorf("failed to stat latest segment %s: %w", latestSegmentPath, err)
	}

	torn, err := endsMidRow(latestSegmentPath, stat.Size())
	if err != nil {
		return err
	}

	f, err := os.OpenFile(latestSegmentPath, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open latest segment %s: %w", latestSegmentPath, err)
	}

	s.currentSegment = f
	s.currentSize = stat.Size()
	s.logger.Info("Opened existing segment", "path", latestSegmentPath, "size", s.currentSize)

	if torn {
		s.logger.Warn("Latest segment ends mid-row, starting a new one", "path", latestSegmentPath)
		return s.rotate()
	}
	if s.currentSize >= s.maxSegmentSize {
		return s.rotate()
	}

	return nil
}

func (s *Sink) getSortedSegments() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sink directory: %w", err)
	}

	var segments []string
	for _, entry := range entries {
		if isSegment(entry) {
			segments = append(segments, filepath.Join(s.dir, entry.Name()))
		}
	}
	sort.Strings(segments)
	return segments, nil
}

func (s *Sink) calculateTotalSize() (int64, error) {
	var totalSize int64
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if isSegment(entry) {
			info, err := entry.Info()
			if err != nil {
				return 0, err
			}
			totalSize += info.Size()
		}
	}
	return totalSize, nil
}

// endsMidRow reports whether a non-empty file lacks a trailing newline.
func endsMidRow(path string, size int64) (bool, error) {
	if size == 0 {
		return false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	defer f.Close()

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return false, fmt.Errorf("failed to read segment tail %s: %w", path, err)
	}
	return last[0] != '\n', nil
}

func isSegment(entry os.DirEntry) bool {
	return !entry.IsDir() && strings.HasPrefix(entry.Name(), segmentPrefix) && strings.HasSuffix(entry.Name(), segmentSuffix)
}

func encodeRow(r domain.Record) []string {
	payload := string(r.Payload)
	if payload == "" {
		payload = "{}"
	}
	row := make([]string, numColumns)
	row[colSource] = r.Source
	row[colSourceID] = r.SourceID
	row[colOccurredAt] = r.OccurredAt.UTC().Format(time.RFC3339Nano)
	row[colIngestedAt] = r.IngestedAt.UTC().Format(time.RFC3339Nano)
	row[colProcessed] = strconv.FormatBool(r.Processed)
	row[colPayload] = payload
	return row
}

func decodeRow(row []string) (domain.Record, error) {
	occurredAt, err := time.Parse(time.RFC3339Nano, row[colOccurredAt])
	if err != nil {
		return domain.Record{}, fmt.Errorf("occurred_at: %w", err)
	}
	ingestedAt, err := time.Parse(time.RFC3339Nano, row[colIngestedAt])
	if err != nil {
		return domain.Record{}, fmt.Errorf("ingested_at: %w", err)
	}
	processed, err := strconv.ParseBool(row[colProcessed])
	if err != nil {
		return domain.Record{}, fmt.Errorf("processed: %w", err)
	}
	return domain.Record{
		Source:     row[colSource],
		SourceID:   row[colSourceID],
		OccurredAt: occurredAt,
		IngestedAt: ingestedAt,
		Processed:  processed,
		Payload:    []byte(row[colPayload]),
	}, nil
}
