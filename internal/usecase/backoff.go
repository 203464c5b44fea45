package usecase

import (
	"context"
	"math"
	"time"
)

// Backoff computes exponential retry waits: Base * 2^attempt, capped at Max.
// A non-positive Max leaves the growth uncapped apart from overflow.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt+1, where attempt counts
// from 0 for the first retry.
func (b Backoff) Delay(attempt int) time.Duration {
	limit := b.Max
	if limit <= 0 {
		limit = time.Duration(math.MaxInt64)
	}
	d := b.Base
	if d <= 0 {
		return 0
	}
	for i := 0; i < attempt && d < limit; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
