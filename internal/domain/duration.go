package domain

import "time"

// DurationMinutes computes the elapsed minutes of a closed interval,
// rounding half up at the 30-second boundary. The same boundaries always
// yield the same value, so recomputation on edit is idempotent.
// Returns *InvalidRangeError unless end > start.
func DurationMinutes(start, end time.Time) (int64, error) {
	if !end.After(start) {
		return 0, &InvalidRangeError{Start: start, End: end}
	}
	return int64((end.Sub(start) + 30*time.Second) / time.Minute), nil
}
