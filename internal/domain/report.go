package domain

import (
	"time"

	"github.com/google/uuid"
)

// Summary is a deterministic rollup of closed entries over a queried
// range. Running entries are excluded from TotalMinutes and every
// breakdown; their projected elapsed time is surfaced separately as
// InProgressMinutes.
type Summary struct {
	TotalMinutes         int64
	EntryCount           int
	AverageMinutesPerDay float64
	InProgressMinutes    int64
	ByProject            map[uuid.UUID]int64
	ByUser               map[uuid.UUID]int64
	ByDay                map[string]int64 // key: YYYY-MM-DD in UTC
}

// Summarize folds a pre-filtered set of entries into a Summary. The
// caller is responsible for the filtering; from/to only size the
// per-day average (inclusive day count, minimum one day). now anchors
// the projection of running entries.
func Summarize(entries []TimeEntry, from, to time.Time, now time.Time) Summary {
	s := Summary{
		ByProject: make(map[uuid.UUID]int64),
		ByUser:    make(map[uuid.UUID]int64),
		ByDay:     make(map[string]int64),
	}
	for _, e := range entries {
		if e.Running() {
			if elapsed, err := DurationMinutes(e.Start, now); err == nil {
				s.InProgressMinutes += elapsed
			}
			continue
		}
		if e.DurationMinutes == nil {
			continue
		}
		m := *e.DurationMinutes
		s.TotalMinutes += m
		s.EntryCount++
		if e.ProjectID != nil {
			s.ByProject[*e.ProjectID] += m
		}
		s.ByUser[e.UserID] += m
		s.ByDay[e.Start.UTC().Format("2006-01-02")] += m
	}
	s.AverageMinutesPerDay = float64(s.TotalMinutes) / float64(daysIn(from, to))
	return s
}

// daysIn counts the calendar days touched by [from, to], never less
// than one so the average is always defined.
func daysIn(from, to time.Time) int {
	f := from.UTC().Truncate(24 * time.Hour)
	t := to.UTC().Truncate(24 * time.Hour)
	if t.Before(f) {
		return 1
	}
	d := int(t.Sub(f)/(24*time.Hour)) + 1
	if d < 1 {
		return 1
	}
	return d
}
