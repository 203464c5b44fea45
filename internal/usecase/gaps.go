package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/V4T54L/feedwatch/internal/domain"
)

// ErrTimelineUnsupported is returned when the sink cannot list event times.
var ErrTimelineUnsupported = errors.New("sink does not support timeline reads")

// DetectGaps sorts points by event time and reports every interval between
// consecutive points that is strictly longer than threshold.
func DetectGaps(source string, points []domain.TimelinePoint, threshold time.Duration) []domain.Gap {
	if len(points) < 2 {
		return nil
	}
	sorted := make([]domain.TimelinePoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OccurredAt.Before(sorted[j].OccurredAt) })

	var gaps []domain.Gap
	for i := 1; i < len(sorted); i++ {
		size := sorted[i].OccurredAt.Sub(sorted[i-1].OccurredAt)
		if size > threshold {
			gaps = append(gaps, domain.Gap{
				Source: source,
				Before: sorted[i-1],
				After:  sorted[i],
				Size:   size,
			})
		}
	}
	return gaps
}

// GapReport loads the stored timeline of source in [from, to) and runs
// DetectGaps over it.
func GapReport(ctx context.Context, sink domain.Sink, source string, from, to time.Time, threshold time.Duration) ([]domain.Gap, error) {
	reader, ok := sink.(domain.TimelineReader)
	if !ok {
		return nil, ErrTimelineUnsupported
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("invalid range: from %s is not before to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	points, err := reader.Timeline(ctx, source, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to load timeline for %s: %w", source, err)
	}
	return DetectGaps(source, points, threshold), nil
}
