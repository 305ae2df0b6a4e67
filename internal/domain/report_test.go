package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closedEntry(user, project uuid.UUID, start time.Time, minutes int64) TimeEntry {
	end := start.Add(time.Duration(minutes) * time.Minute)
	return TimeEntry{
		ID:              uuid.New(),
		UserID:          user,
		ProjectID:       &project,
		Start:           start,
		End:             &end,
		DurationMinutes: &minutes,
	}
}

func TestSummarize(t *testing.T) {
	userA, userB := uuid.New(), uuid.New()
	projX, projY := uuid.New(), uuid.New()
	day1 := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 3, 11, 14, 0, 0, 0, time.UTC)
	now := time.Date(2025, 3, 11, 16, 0, 0, 0, time.UTC)

	entries := []TimeEntry{
		closedEntry(userA, projX, day1, 30),
		closedEntry(userA, projY, day1.Add(time.Hour), 45),
		closedEntry(userB, projX, day2, 60),
	}

	s := Summarize(entries, day1, day2, now)

	assert.Equal(t, int64(135), s.TotalMinutes)
	assert.Equal(t, 3, s.EntryCount)
	assert.Equal(t, int64(90), s.ByProject[projX])
	assert.Equal(t, int64(45), s.ByProject[projY])
	assert.Equal(t, int64(75), s.ByUser[userA])
	assert.Equal(t, int64(60), s.ByUser[userB])
	assert.Equal(t, int64(75), s.ByDay["2025-03-10"])
	assert.Equal(t, int64(60), s.ByDay["2025-03-11"])
	// Two calendar days in range.
	assert.InDelta(t, 67.5, s.AverageMinutesPerDay, 0.001)
}

// Sum of every per-project total must equal the overall total for any
// set of closed entries.
func TestSummarizeAdditivity(t *testing.T) {
	user := uuid.New()
	projects := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

	var entries []TimeEntry
	cursor := start
	for i := 0; i < 30; i++ {
		minutes := int64(5 + i*3)
		entries = append(entries, closedEntry(user, projects[i%3], cursor, minutes))
		cursor = cursor.Add(time.Duration(minutes+10) * time.Minute)
	}

	s := Summarize(entries, start, cursor, cursor)

	var byProject, byDay int64
	for _, m := range s.ByProject {
		byProject += m
	}
	for _, m := range s.ByDay {
		byDay += m
	}
	assert.Equal(t, s.TotalMinutes, byProject)
	assert.Equal(t, s.TotalMinutes, byDay)
	assert.Equal(t, s.TotalMinutes, s.ByUser[user])
}

func TestSummarizeRunningEntriesExcluded(t *testing.T) {
	user := uuid.New()
	proj := uuid.New()
	day := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	now := day.Add(3 * time.Hour)

	running := TimeEntry{ID: uuid.New(), UserID: user, ProjectID: &proj, Start: day.Add(2 * time.Hour)}
	entries := []TimeEntry{
		closedEntry(user, proj, day, 30),
		running,
	}

	s := Summarize(entries, day, day, now)

	assert.Equal(t, int64(30), s.TotalMinutes, "running entry must not count toward totals")
	assert.Equal(t, 1, s.EntryCount)
	assert.Equal(t, int64(60), s.InProgressMinutes, "running entry projected with now - start")
	assert.Equal(t, int64(30), s.ByProject[proj])
}

func TestSummarizeEmpty(t *testing.T) {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	s := Summarize(nil, now, now, now)
	require.Zero(t, s.TotalMinutes)
	require.Zero(t, s.EntryCount)
	assert.Zero(t, s.AverageMinutesPerDay)
}
