package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"timeledger/internal/domain"
	"timeledger/internal/ports"
)

// Timer orchestrates start/stop/edit/delete intents against the entry
// store. All state lives in the store; "running" is never held in memory,
// so the service stays correct across restarts and multiple instances.
type Timer struct {
	Log   *slog.Logger
	Store ports.EntryStore

	// Now is overridable for tests; defaults to time.Now in UTC.
	Now func() time.Time
}

func (t *Timer) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

// StartInput carries the optional associations of a new running entry.
type StartInput struct {
	TaskID      *uuid.UUID
	ProjectID   *uuid.UUID
	Description string
	External    bool
	Billable    bool
}

// ManualInput describes an already-closed entry created after the fact.
type ManualInput struct {
	Start       time.Time
	End         time.Time
	TaskID      *uuid.UUID
	ProjectID   *uuid.UUID
	Description string
	External    bool
	Billable    bool
}

// EntryPatch is a selective edit: nil fields stay untouched. Changing
// either boundary triggers range/overlap re-validation and a duration
// recompute in the same store transaction.
type EntryPatch struct {
	Start    *time.Time
	End      *time.Time
	Metadata domain.MetadataPatch
}

// Start opens a new running entry for the user beginning now. Fails with
// *domain.AlreadyRunningError if the user already has an open entry.
func (t *Timer) Start(ctx context.Context, userID uuid.UUID, in StartInput) (domain.TimeEntry, error) {
	if err := t.checkReady(); err != nil {
		return domain.TimeEntry{}, err
	}
	entry := domain.TimeEntry{
		ID:          uuid.New(),
		UserID:      userID,
		TaskID:      in.TaskID,
		ProjectID:   in.ProjectID,
		Description: in.Description,
		Start:       t.now(),
		External:    in.External,
		Billable:    in.Billable,
	}
	created, err := t.Store.Insert(ctx, entry)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	t.logger().Info("timer started",
		slog.String("entry", created.ID.String()),
		slog.String("user", userID.String()))
	return created, nil
}

// Stop closes the user's running entry. entryID may be nil, in which case
// the running entry is resolved via the store. Closing is terminal: an
// entry never reopens. Fails with domain.ErrNotRunning when there is
// nothing to stop.
func (t *Timer) Stop(ctx context.Context, userID uuid.UUID, entryID *uuid.UUID) (domain.TimeEntry, error) {
	if err := t.checkReady(); err != nil {
		return domain.TimeEntry{}, err
	}
	var entry domain.TimeEntry
	if entryID != nil {
		e, err := t.Store.Get(ctx, *entryID)
		if err != nil {
			return domain.TimeEntry{}, err
		}
		if e.UserID != userID {
			return domain.TimeEntry{}, domain.ErrPermission
		}
		if !e.Running() {
			return domain.TimeEntry{}, domain.ErrNotRunning
		}
		entry = e
	} else {
		running, err := t.Store.FindRunning(ctx, userID)
		if err != nil {
			return domain.TimeEntry{}, err
		}
		if running == nil {
			return domain.TimeEntry{}, domain.ErrNotRunning
		}
		entry = *running
	}

	end := t.now()
	minutes, err := domain.DurationMinutes(entry.Start, end)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	updated, err := t.Store.UpdateBoundaries(ctx, entry.ID,
		domain.Interval{Start: entry.Start, End: &end}, &minutes)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	t.logger().Info("timer stopped",
		slog.String("entry", updated.ID.String()),
		slog.Int64("minutes", minutes))
	return updated, nil
}

// CreateManual records a closed interval directly, e.g. time entered
// after the fact. The entry never passes through the running state.
func (t *Timer) CreateManual(ctx context.Context, userID uuid.UUID, in ManualInput) (domain.TimeEntry, error) {
	if err := t.checkReady(); err != nil {
		return domain.TimeEntry{}, err
	}
	start, end := in.Start.UTC(), in.End.UTC()
	minutes, err := domain.DurationMinutes(start, end)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	entry := domain.TimeEntry{
		ID:              uuid.New(),
		UserID:          userID,
		TaskID:          in.TaskID,
		ProjectID:       in.ProjectID,
		Description:     in.Description,
		Start:           start,
		End:             &end,
		DurationMinutes: &minutes,
		External:        in.External,
		Billable:        in.Billable,
	}
	created, err := t.Store.Insert(ctx, entry)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	t.logger().Info("manual entry created",
		slog.String("entry", created.ID.String()),
		slog.Int64("minutes", minutes))
	return created, nil
}

// Update edits an entry's boundaries and/or metadata. Only the owner or
// an admin may edit. Boundary changes are re-validated against the
// owner's other entries and the duration is recomputed from the new
// boundaries. A closed entry cannot be reopened through an edit.
func (t *Timer) Update(ctx context.Context, callerID uuid.UUID, callerIsAdmin bool, entryID uuid.UUID, patch EntryPatch) (domain.TimeEntry, error) {
	if err := t.checkReady(); err != nil {
		return domain.TimeEntry{}, err
	}
	entry, err := t.Store.Get(ctx, entryID)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	if entry.UserID != callerID && !callerIsAdmin {
		return domain.TimeEntry{}, domain.ErrPermission
	}

	if patch.Start != nil || patch.End != nil {
		start := entry.Start
		if patch.Start != nil {
			start = patch.Start.UTC()
		}
		end := entry.End
		if patch.End != nil {
			e := patch.End.UTC()
			end = &e
		}
		var minutes *int64
		if end != nil {
			m, err := domain.DurationMinutes(start, *end)
			if err != nil {
				return domain.TimeEntry{}, err
			}
			minutes = &m
		}
		entry, err = t.Store.UpdateBoundaries(ctx, entryID,
			domain.Interval{Start: start, End: end}, minutes)
		if err != nil {
			return domain.TimeEntry{}, err
		}
	}

	if !patch.Metadata.Empty() {
		entry, err = t.Store.UpdateMetadata(ctx, entryID, patch.Metadata)
		if err != nil {
			return domain.TimeEntry{}, err
		}
	}

	t.logger().Info("entry updated", slog.String("entry", entryID.String()))
	return entry, nil
}

// Delete hard-removes an entry after an ownership check. Deletion is
// irreversible.
func (t *Timer) Delete(ctx context.Context, callerID uuid.UUID, callerIsAdmin bool, entryID uuid.UUID) error {
	if err := t.checkReady(); err != nil {
		return err
	}
	entry, err := t.Store.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if entry.UserID != callerID && !callerIsAdmin {
		return domain.ErrPermission
	}
	if err := t.Store.Delete(ctx, entryID); err != nil {
		return err
	}
	t.logger().Info("entry deleted", slog.String("entry", entryID.String()))
	return nil
}

// GetRunning returns the user's open entry, or nil. Side-effect free.
func (t *Timer) GetRunning(ctx context.Context, userID uuid.UUID) (*domain.TimeEntry, error) {
	if err := t.checkReady(); err != nil {
		return nil, err
	}
	return t.Store.FindRunning(ctx, userID)
}

// List returns one page of entries, newest start first.
func (t *Timer) List(ctx context.Context, filter domain.EntryFilter, page domain.Page) (domain.EntryPage, error) {
	if err := t.checkReady(); err != nil {
		return domain.EntryPage{}, err
	}
	return t.Store.Query(ctx, filter, page.Clamp())
}

// Summary aggregates the entries matching the filter into per-project,
// per-day and per-user totals. The store is paged through until every
// matching entry has been folded in; the listing page cap bounds a
// single request, not the aggregate. The averaging window defaults to
// the filter bounds and falls back to the span of the returned entries.
func (t *Timer) Summary(ctx context.Context, filter domain.EntryFilter) (domain.Summary, error) {
	if err := t.checkReady(); err != nil {
		return domain.Summary{}, err
	}
	var entries []domain.TimeEntry
	page := domain.Page{Limit: domain.MaxPageLimit}
	for {
		result, err := t.Store.Query(ctx, filter, page)
		if err != nil {
			return domain.Summary{}, err
		}
		entries = append(entries, result.Entries...)
		page.Skip += len(result.Entries)
		if len(result.Entries) == 0 || int64(page.Skip) >= result.Total {
			break
		}
	}
	now := t.now()
	from, to := summaryWindow(filter, entries, now)
	return domain.Summarize(entries, from, to, now), nil
}

func summaryWindow(filter domain.EntryFilter, entries []domain.TimeEntry, now time.Time) (time.Time, time.Time) {
	from, to := now, now
	if filter.From != nil {
		from = *filter.From
	} else if n := len(entries); n > 0 {
		// Query orders newest first; the oldest start is last.
		from = entries[n-1].Start
	}
	if filter.To != nil {
		to = *filter.To
	}
	return from, to
}

func (t *Timer) checkReady() error {
	if t.Store == nil {
		return errors.New("timer not initialized: missing store")
	}
	return nil
}

func (t *Timer) logger() *slog.Logger {
	if t.Log != nil {
		return t.Log
	}
	return slog.Default()
}
