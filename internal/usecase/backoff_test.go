package usecase

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 8 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 8 * time.Second},
		{60, 8 * time.Second},
		{-1, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_MonotonicUpToCap(t *testing.T) {
	for _, b := range []Backoff{
		{Base: time.Millisecond, Max: time.Second},
		{Base: 3 * time.Second, Max: 10 * time.Second},
		{Base: time.Second},
		{Base: time.Duration(math.MaxInt64 / 3)},
	} {
		prev := time.Duration(0)
		for attempt := 0; attempt < 100; attempt++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, prev, "backoff %+v attempt %d", b, attempt)
			assert.Positive(t, d)
			if b.Max > 0 {
				assert.LessOrEqual(t, d, b.Max)
			}
			prev = d
		}
	}
}

func TestBackoff_ZeroBase(t *testing.T) {
	assert.Zero(t, Backoff{Max: time.Second}.Delay(5))
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, sleepContext(ctx, 0), context.Canceled)
}
