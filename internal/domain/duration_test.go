package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationMinutes(t *testing.T) {
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		end  time.Time
		want int64
	}{
		{"exact minutes", base.Add(12 * time.Minute), 12},
		{"one minute", base.Add(time.Minute), 1},
		{"rounds down below half", base.Add(7*time.Minute + 29*time.Second), 7},
		{"rounds up at half", base.Add(7*time.Minute + 30*time.Second), 8},
		{"rounds up above half", base.Add(7*time.Minute + 45*time.Second), 8},
		{"sub-minute rounds to zero", base.Add(10 * time.Second), 0},
		{"long interval", base.Add(25 * time.Hour), 1500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DurationMinutes(base, tt.end)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDurationMinutesInvalidRange(t *testing.T) {
	base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	for _, end := range []time.Time{base, base.Add(-time.Minute)} {
		_, err := DurationMinutes(base, end)
		var rangeErr *InvalidRangeError
		require.ErrorAs(t, err, &rangeErr)
		assert.Equal(t, base, rangeErr.Start)
		assert.Equal(t, end, rangeErr.End)
	}
}

func TestDurationMinutesIdempotent(t *testing.T) {
	start := time.Date(2025, 3, 10, 9, 0, 17, 500_000_000, time.UTC)
	end := start.Add(42*time.Minute + 31*time.Second)

	first, err := DurationMinutes(start, end)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := DurationMinutes(start, end)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
