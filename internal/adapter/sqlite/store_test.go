package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeledger/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func at(h, m int) time.Time {
	return time.Date(2025, 3, 10, h, m, 0, 0, time.UTC)
}

func tp(t time.Time) *time.Time { return &t }

func closedEntry(user uuid.UUID, start, end time.Time) domain.TimeEntry {
	minutes := int64(end.Sub(start) / time.Minute)
	return domain.TimeEntry{
		ID:              uuid.New(),
		UserID:          user,
		Start:           start,
		End:             &end,
		DurationMinutes: &minutes,
		Billable:        true,
	}
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, task, proj := uuid.New(), uuid.New(), uuid.New()

	entry := closedEntry(user, at(9, 0), at(9, 30))
	entry.TaskID = &task
	entry.ProjectID = &proj
	entry.Description = "implement parser"
	entry.External = true

	created, err := s.Insert(ctx, entry)
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	got, err := s.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, user, got.UserID)
	require.NotNil(t, got.TaskID)
	assert.Equal(t, task, *got.TaskID)
	require.NotNil(t, got.ProjectID)
	assert.Equal(t, proj, *got.ProjectID)
	assert.Equal(t, "implement parser", got.Description)
	assert.Equal(t, at(9, 0), got.Start)
	require.NotNil(t, got.End)
	assert.Equal(t, at(9, 30), *got.End)
	require.NotNil(t, got.DurationMinutes)
	assert.Equal(t, int64(30), *got.DurationMinutes)
	assert.True(t, got.External)
	assert.True(t, got.Billable)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInsertRejectsOverlap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := uuid.New()

	first, err := s.Insert(ctx, closedEntry(user, at(9, 0), at(9, 30)))
	require.NoError(t, err)

	_, err = s.Insert(ctx, closedEntry(user, at(9, 15), at(9, 45)))
	var overlapErr *domain.OverlapError
	require.ErrorAs(t, err, &overlapErr)
	require.Len(t, overlapErr.Conflicts, 1)
	assert.Equal(t, first.ID, overlapErr.Conflicts[0].EntryID)

	// The rejected write left the store unchanged.
	page, err := s.Query(ctx, domain.EntryFilter{UserID: &user}, domain.Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)
}

func TestInsertAcceptsTouching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := uuid.New()

	_, err := s.Insert(ctx, closedEntry(user, at(9, 0), at(9, 30)))
	require.NoError(t, err)
	_, err = s.Insert(ctx, closedEntry(user, at(9, 30), at(10, 0)))
	require.NoError(t, err)
	_, err = s.Insert(ctx, closedEntry(user, at(8, 30), at(9, 0)))
	require.NoError(t, err)
}

func TestInsertIgnoresOtherUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, closedEntry(uuid.New(), at(9, 0), at(9, 30)))
	require.NoError(t, err)
	_, err = s.Insert(ctx, closedEntry(uuid.New(), at(9, 0), at(9, 30)))
	require.NoError(t, err, "no cross-user overlap checks")
}

func TestInsertSecondRunningRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := uuid.New()

	open := domain.TimeEntry{ID: uuid.New(), UserID: user, Start: at(9, 0)}
	_, err := s.Insert(ctx, open)
	require.NoError(t, err)

	second := domain.TimeEntry{ID: uuid.New(), UserID: user, Start: at(10, 0)}
	_, err = s.Insert(ctx, second)
	var runningErr *domain.AlreadyRunningError
	require.ErrorAs(t, err, &runningErr)
	assert.Equal(t, open.ID, runningErr.EntryID)
}

func TestRunningEntryBlocksLaterClosedInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := uuid.New()

	open := domain.TimeEntry{ID: uuid.New(), UserID: user, Start: at(9, 0)}
	_, err := s.Insert(ctx, open)
	require.NoError(t, err)

	// The open interval extends to "now" and beyond; anything starting
	// after 09:00 conflicts.
	_, err = s.Insert(ctx, closedEntry(user, at(11, 0), at(11, 30)))
	var overlapErr *domain.OverlapError
	require.ErrorAs(t, err, &overlapErr)

	// An interval entirely before the running entry's start is fine.
	_, err = s.Insert(ctx, closedEntry(user, at(8, 0), at(8, 45)))
	require.NoError(t, err)
}

func TestFindRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := uuid.New()

	got, err := s.FindRunning(ctx, user)
	require.NoError(t, err)
	assert.Nil(t, got)

	open := domain.TimeEntry{ID: uuid.New(), UserID: user, Start: at(9, 0)}
	_, err = s.Insert(ctx, open)
	require.NoError(t, err)

	got, err = s.FindRunning(ctx, user)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, open.ID, got.ID)
	assert.True(t, got.Running())
}

func TestUpdateBoundariesClosesRunningEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := uuid.New()

	open := domain.TimeEntry{ID: uuid.New(), UserID: user, Start: at(9, 0)}
	_, err := s.Insert(ctx, open)
	require.NoError(t, err)

	minutes := int64(30)
	updated, err := s.UpdateBoundaries(ctx, open.ID,
		domain.Interval{Start: at(9, 0), End: tp(at(9, 30))}, &minutes)
	require.NoError(t, err)
	assert.False(t, updated.Running())
	assert.Equal(t, int64(30), *updated.DurationMinutes)

	got, err := s.Get(ctx, open.ID)
	require.NoError(t, err)
	assert.False(t, got.Running())

	running, err := s.FindRunning(ctx, user)
	require.NoError(t, err)
	assert.Nil(t, running)
}

func TestUpdateBoundariesRevalidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := uuid.New()

	b, err := s.Insert(ctx, closedEntry(user, at(9, 0), at(9, 30)))
	require.NoError(t, err)
	c, err := s.Insert(ctx, closedEntry(user, at(10, 0), at(10, 15)))
	require.NoError(t, err)

	minutes := int64(90)
	_, err = s.UpdateBoundaries(ctx, b.ID,
		domain.Interval{Start: at(9, 0), End: tp(at(10, 30))}, &minutes)
	var overlapErr *domain.OverlapError
	require.ErrorAs(t, err, &overlapErr)
	assert.Equal(t, c.ID, overlapErr.Conflicts[0].EntryID)

	// Unchanged after the rejected write.
	got, err := s.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, at(9, 30), *got.End)

	// Shrinking inside its own old range never conflicts with itself.
	minutes = 15
	updated, err := s.UpdateBoundaries(ctx, b.ID,
		domain.Interval{Start: at(9, 0), End: tp(at(9, 15))}, &minutes)
	require.NoError(t, err)
	assert.Equal(t, at(9, 15), *updated.End)
}

func TestUpdateBoundariesMissing(t *testing.T) {
	s := newTestStore(t)
	minutes := int64(10)
	_, err := s.UpdateBoundaries(context.Background(), uuid.New(),
		domain.Interval{Start: at(9, 0), End: tp(at(9, 10))}, &minutes)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := uuid.New()

	entry, err := s.Insert(ctx, closedEntry(user, at(9, 0), at(9, 30)))
	require.NoError(t, err)

	desc := "code review"
	external := true
	got, err := s.UpdateMetadata(ctx, entry.ID, domain.MetadataPatch{
		Description: &desc,
		External:    &external,
	})
	require.NoError(t, err)
	assert.Equal(t, "code review", got.Description)
	assert.True(t, got.External)
	assert.True(t, got.Billable, "unpatched fields untouched")
	assert.Equal(t, at(9, 0), got.Start)

	_, err = s.UpdateMetadata(ctx, uuid.New(), domain.MetadataPatch{Description: &desc})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.Insert(ctx, closedEntry(uuid.New(), at(9, 0), at(9, 30)))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, entry.ID))
	_, err = s.Get(ctx, entry.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, entry.ID), domain.ErrNotFound)
}

func TestQueryFiltersAndPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user, other := uuid.New(), uuid.New()
	proj := uuid.New()
	task := uuid.New()

	for i := 0; i < 6; i++ {
		e := closedEntry(user, at(8+i, 0), at(8+i, 30))
		if i < 2 {
			e.ProjectID = &proj
		}
		if i == 0 {
			e.TaskID = &task
		}
		_, err := s.Insert(ctx, e)
		require.NoError(t, err)
	}
	_, err := s.Insert(ctx, closedEntry(other, at(8, 0), at(8, 30)))
	require.NoError(t, err)

	page, err := s.Query(ctx, domain.EntryFilter{UserID: &user}, domain.Page{Limit: 4})
	require.NoError(t, err)
	assert.Equal(t, int64(6), page.Total)
	require.Len(t, page.Entries, 4)
	for i := 1; i < len(page.Entries); i++ {
		assert.True(t, page.Entries[i-1].Start.After(page.Entries[i].Start), "ordered newest first")
	}

	page, err = s.Query(ctx, domain.EntryFilter{UserID: &user}, domain.Page{Skip: 4, Limit: 4})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 2)

	page, err = s.Query(ctx, domain.EntryFilter{UserID: &user, ProjectID: &proj}, domain.Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)

	page, err = s.Query(ctx, domain.EntryFilter{UserID: &user, TaskID: &task}, domain.Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)

	from, to := at(10, 0), at(12, 0)
	page, err = s.Query(ctx, domain.EntryFilter{UserID: &user, From: &from, To: &to}, domain.Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
}

// Randomized sequence of inserts: whatever the store accepted must
// satisfy the pairwise no-overlap invariant.
func TestNoOverlapInvariantRandomized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := uuid.New()

	base := at(0, 0)
	for i := 0; i < 200; i++ {
		start := base.Add(time.Duration(i*7%1440) * time.Minute)
		end := start.Add(time.Duration(5+i%55) * time.Minute)
		_, _ = s.Insert(ctx, closedEntry(user, start, end))
	}

	page, err := s.Query(ctx, domain.EntryFilter{UserID: &user}, domain.Page{Limit: domain.MaxPageLimit})
	require.NoError(t, err)
	require.NotEmpty(t, page.Entries)

	for i := 0; i < len(page.Entries); i++ {
		for j := i + 1; j < len(page.Entries); j++ {
			a, b := page.Entries[i], page.Entries[j]
			assert.False(t, a.Interval().Overlaps(b.Interval()),
				"entries %s and %s overlap", a.ID, b.ID)
		}
	}
}

func TestInsertSubSecondIntervalKeptValid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := uuid.New()

	start := at(9, 0).Add(200 * time.Millisecond)
	end := at(9, 0).Add(800 * time.Millisecond)
	created, err := s.Insert(ctx, domain.TimeEntry{ID: uuid.New(), UserID: user, Start: start, End: &end})
	require.NoError(t, err)
	require.NotNil(t, created.End)
	assert.Equal(t, at(9, 0), created.Start)
	assert.Equal(t, time.Second, created.End.Sub(created.Start))

	got, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, got.End.After(got.Start))
}

func TestUpdateBoundariesSubSecondIntervalKeptValid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := uuid.New()

	entry := closedEntry(user, at(9, 0), at(9, 30))
	_, err := s.Insert(ctx, entry)
	require.NoError(t, err)

	newStart := at(10, 0).Add(100 * time.Millisecond)
	newEnd := at(10, 0).Add(900 * time.Millisecond)
	minutes := int64(0)
	updated, err := s.UpdateBoundaries(ctx, entry.ID,
		domain.Interval{Start: newStart, End: &newEnd}, &minutes)
	require.NoError(t, err)
	assert.True(t, updated.End.After(updated.Start))
}

func TestBackstopTranslationReportsRunningEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	user := uuid.New()

	open := domain.TimeEntry{ID: uuid.New(), UserID: user, Start: at(9, 0)}
	_, err := s.Insert(ctx, open)
	require.NoError(t, err)

	// A write slipping past the mutex is rejected by the partial unique
	// index; the translated error must name the committed open entry.
	candidate := domain.TimeEntry{ID: uuid.New(), UserID: user, Start: at(10, 0)}
	indexErr := errors.New("constraint failed: UNIQUE constraint failed: uniq_running_per_user")
	err = s.translateWriteError(ctx, indexErr, candidate)
	var runningErr *domain.AlreadyRunningError
	require.ErrorAs(t, err, &runningErr)
	assert.Equal(t, open.ID, runningErr.EntryID)
	assert.True(t, runningErr.Start.Equal(open.Start))
}
