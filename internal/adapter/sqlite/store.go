package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"timeledger/internal/domain"
)

const currentVersion = 1

// timeFormat keeps stored timestamps fixed-width in UTC so lexical
// comparison in SQL matches chronological order.
const timeFormat = time.RFC3339

// Store implements ports.EntryStore on a local SQLite database.
//
// SQLite has no interval-exclusion constraint either, so the
// check-and-write sequence is made indivisible with an in-process mutex
// keyed by user id. A SQLite file implies a single service instance, so
// an in-process serialization point is sufficient; different users hold
// different mutexes and do not block each other above the engine's own
// single-writer model.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	locks userLocks
}

// New opens (or creates) the SQLite database at dbPath and runs
// migrations.
func New(dbPath string, log *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewMemory creates an in-memory store for testing.
func NewMemory(log *slog.Logger) (*Store, error) {
	return New(":memory:", log)
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= currentVersion {
		return nil
	}
	if version < 1 {
		if err := s.migrateV1(); err != nil {
			return err
		}
	}
	_, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentVersion))
	return err
}

func (s *Store) migrateV1() error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS time_entries (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		task_id          TEXT,
		project_id       TEXT,
		description      TEXT NOT NULL DEFAULT '',
		start_time       TEXT NOT NULL,
		end_time         TEXT,
		duration_minutes INTEGER,
		external         INTEGER NOT NULL DEFAULT 0,
		billable         INTEGER NOT NULL DEFAULT 1,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL,
		CHECK (end_time IS NULL OR end_time > start_time)
	);

	CREATE INDEX IF NOT EXISTS idx_entries_user_start ON time_entries(user_id, start_time);
	CREATE UNIQUE INDEX IF NOT EXISTS uniq_running_per_user
		ON time_entries(user_id) WHERE end_time IS NULL;
	`
	_, err := s.db.Exec(ddl)
	return err
}

const entryColumns = `id, user_id, task_id, project_id, description, start_time, end_time,
	duration_minutes, external, billable, created_at, updated_at`

// Insert validates the candidate against the user's committed entries and
// writes it while holding the user's mutex.
func (s *Store) Insert(ctx context.Context, entry domain.TimeEntry) (domain.TimeEntry, error) {
	var created domain.TimeEntry
	err := s.withRetry(func() error {
		mu := s.locks.forUser(entry.UserID)
		mu.Lock()
		defer mu.Unlock()

		if err := s.validateAgainstExisting(ctx, entry.UserID, entry.Interval(), entry.Running(), uuid.Nil); err != nil {
			return err
		}
		now := time.Now().UTC().Truncate(time.Second)
		// Stored timestamps are second precision; mirror that in the
		// returned entry so reads round-trip exactly.
		entry.Start, entry.End = storedInterval(entry.Start, entry.End)
		entry.CreatedAt, entry.UpdatedAt = now, now
		const q = `INSERT INTO time_entries
			(id, user_id, task_id, project_id, description, start_time, end_time,
			 duration_minutes, external, billable, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := s.db.ExecContext(ctx, q,
			entry.ID.String(), entry.UserID.String(),
			nullUUID(entry.TaskID), nullUUID(entry.ProjectID),
			entry.Description, entry.Start.UTC().Format(timeFormat), nullTime(entry.End),
			nullInt(entry.DurationMinutes), entry.External, entry.Billable,
			now.Format(timeFormat), now.Format(timeFormat),
		)
		if err != nil {
			return s.translateWriteError(ctx, err, entry)
		}
		created = entry
		return nil
	})
	if err != nil {
		return domain.TimeEntry{}, err
	}
	return created, nil
}

// UpdateBoundaries replaces an entry's interval after re-validating it
// against the owner's other entries under the user's mutex.
func (s *Store) UpdateBoundaries(ctx context.Context, id uuid.UUID, boundaries domain.Interval, durationMinutes *int64) (domain.TimeEntry, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	var updated domain.TimeEntry
	err = s.withRetry(func() error {
		mu := s.locks.forUser(current.UserID)
		mu.Lock()
		defer mu.Unlock()

		entry, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := s.validateAgainstExisting(ctx, entry.UserID, boundaries, boundaries.Open(), id); err != nil {
			return err
		}
		start, end := storedInterval(boundaries.Start, boundaries.End)
		now := time.Now().UTC()
		const q = `UPDATE time_entries
			SET start_time = ?, end_time = ?, duration_minutes = ?, updated_at = ?
			WHERE id = ?`
		if _, err := s.db.ExecContext(ctx, q,
			start.Format(timeFormat), nullTime(end),
			nullInt(durationMinutes), now.Format(timeFormat), id.String(),
		); err != nil {
			return s.translateWriteError(ctx, err, entry)
		}
		entry.Start = start
		entry.End = end
		entry.DurationMinutes = durationMinutes
		entry.UpdatedAt = now.Truncate(time.Second)
		updated = entry
		return nil
	})
	if err != nil {
		return domain.TimeEntry{}, err
	}
	return updated, nil
}

// UpdateMetadata applies the non-boundary fields of a patch.
func (s *Store) UpdateMetadata(ctx context.Context, id uuid.UUID, patch domain.MetadataPatch) (domain.TimeEntry, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(timeFormat)}
	if patch.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *patch.Description)
	}
	if patch.TaskID != nil {
		sets = append(sets, "task_id = ?")
		args = append(args, patch.TaskID.String())
	}
	if patch.ProjectID != nil {
		sets = append(sets, "project_id = ?")
		args = append(args, patch.ProjectID.String())
	}
	if patch.External != nil {
		sets = append(sets, "external = ?")
		args = append(args, *patch.External)
	}
	if patch.Billable != nil {
		sets = append(sets, "billable = ?")
		args = append(args, *patch.Billable)
	}
	args = append(args, id.String())

	q := "UPDATE time_entries SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return domain.TimeEntry{}, fmt.Errorf("update metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.TimeEntry{}, domain.ErrNotFound
	}
	return s.Get(ctx, id)
}

// Delete hard-removes an entry.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM time_entries WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Get fetches a single entry by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.TimeEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM time_entries WHERE id = ?`, id.String())
	entry, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TimeEntry{}, domain.ErrNotFound
	}
	return entry, err
}

// FindRunning returns the user's open entry, or nil if none.
func (s *Store) FindRunning(ctx context.Context, userID uuid.UUID) (*domain.TimeEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM time_entries WHERE user_id = ? AND end_time IS NULL LIMIT 1`,
		userID.String())
	entry, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Query lists entries matching the filter, newest start first.
func (s *Store) Query(ctx context.Context, filter domain.EntryFilter, page domain.Page) (domain.EntryPage, error) {
	page = page.Clamp()
	where := []string{"1=1"}
	var args []any
	if filter.UserID != nil {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID.String())
	}
	if filter.TaskID != nil {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID.String())
	}
	if filter.ProjectID != nil {
		where = append(where, "project_id = ?")
		args = append(args, filter.ProjectID.String())
	}
	if filter.From != nil {
		where = append(where, "start_time >= ?")
		args = append(args, filter.From.UTC().Format(timeFormat))
	}
	if filter.To != nil {
		where = append(where, "start_time < ?")
		args = append(args, filter.To.UTC().Format(timeFormat))
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM time_entries WHERE "+cond, args...).Scan(&total); err != nil {
		return domain.EntryPage{}, fmt.Errorf("count entries: %w", err)
	}

	q := "SELECT " + entryColumns + " FROM time_entries WHERE " + cond +
		" ORDER BY start_time DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, q, append(args, page.Limit, page.Skip)...)
	if err != nil {
		return domain.EntryPage{}, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.TimeEntry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return domain.EntryPage{}, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return domain.EntryPage{}, err
	}
	return domain.EntryPage{Entries: entries, Total: total, Skip: page.Skip, Limit: page.Limit}, nil
}

func (s *Store) validateAgainstExisting(ctx context.Context, userID uuid.UUID, iv domain.Interval, open bool, excludeID uuid.UUID) error {
	candidates, err := s.conflictCandidates(ctx, userID, iv)
	if err != nil {
		return err
	}
	if open {
		if running := domain.FindRunning(candidates, excludeID); running != nil {
			return &domain.AlreadyRunningError{EntryID: running.ID, Start: running.Start}
		}
	}
	return domain.CheckOverlap(iv, candidates, excludeID)
}

func (s *Store) conflictCandidates(ctx context.Context, userID uuid.UUID, iv domain.Interval) ([]domain.TimeEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM time_entries
		WHERE user_id = ? AND (end_time IS NULL OR end_time > ?)`
	args := []any{userID.String(), iv.Start.UTC().Format(timeFormat)}
	if iv.End != nil {
		q += ` AND start_time < ?`
		args = append(args, iv.End.UTC().Format(timeFormat))
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load conflict candidates: %w", err)
	}
	defer rows.Close()

	var entries []domain.TimeEntry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// withRetry retries fn once when SQLite reports the database busy, then
// surfaces ErrRetryExhausted.
func (s *Store) withRetry(fn func() error) error {
	err := fn()
	if !isBusy(err) {
		return err
	}
	s.log.Warn("sqlite busy, retrying once", slog.String("error", err.Error()))
	if err = fn(); err != nil {
		if isBusy(err) {
			return fmt.Errorf("%v: %w", err, domain.ErrRetryExhausted)
		}
		return err
	}
	return nil
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// translateWriteError maps schema-level rejections onto the domain
// taxonomy; the partial unique index backstops the single-running
// invariant, the CHECK constraint backstops end > start.
func (s *Store) translateWriteError(ctx context.Context, err error, entry domain.TimeEntry) error {
	msg := err.Error()
	if strings.Contains(msg, "uniq_running_per_user") {
		return s.alreadyRunning(ctx, entry)
	}
	if strings.Contains(msg, "CHECK constraint failed") {
		end := entry.Start
		if entry.End != nil {
			end = *entry.End
		}
		return &domain.InvalidRangeError{Start: entry.Start, End: end}
	}
	return err
}

// alreadyRunning looks up the user's committed open entry so the error
// names the actual conflicting entry rather than the rejected candidate.
func (s *Store) alreadyRunning(ctx context.Context, entry domain.TimeEntry) error {
	if running, err := s.FindRunning(ctx, entry.UserID); err == nil && running != nil {
		return &domain.AlreadyRunningError{EntryID: running.ID, Start: running.Start}
	}
	return &domain.AlreadyRunningError{Start: entry.Start}
}

type scanFunc func(dest ...any) error

func scanEntry(scan scanFunc) (domain.TimeEntry, error) {
	var (
		e                      domain.TimeEntry
		idStr, userStr         string
		taskStr, projStr       sql.NullString
		startStr               string
		endStr                 sql.NullString
		createdStr, updatedStr string
		duration               sql.NullInt64
	)
	err := scan(&idStr, &userStr, &taskStr, &projStr, &e.Description,
		&startStr, &endStr, &duration, &e.External, &e.Billable,
		&createdStr, &updatedStr)
	if err != nil {
		return domain.TimeEntry{}, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return domain.TimeEntry{}, fmt.Errorf("parse entry id: %w", err)
	}
	userID, err := uuid.Parse(userStr)
	if err != nil {
		return domain.TimeEntry{}, fmt.Errorf("parse user id: %w", err)
	}
	e.ID, e.UserID = id, userID
	if taskStr.Valid {
		v, err := uuid.Parse(taskStr.String)
		if err != nil {
			return domain.TimeEntry{}, fmt.Errorf("parse task id: %w", err)
		}
		e.TaskID = &v
	}
	if projStr.Valid {
		v, err := uuid.Parse(projStr.String)
		if err != nil {
			return domain.TimeEntry{}, fmt.Errorf("parse project id: %w", err)
		}
		e.ProjectID = &v
	}
	if e.Start, err = time.Parse(timeFormat, startStr); err != nil {
		return domain.TimeEntry{}, fmt.Errorf("parse start time: %w", err)
	}
	if endStr.Valid {
		t, err := time.Parse(timeFormat, endStr.String)
		if err != nil {
			return domain.TimeEntry{}, fmt.Errorf("parse end time: %w", err)
		}
		e.End = &t
	}
	if duration.Valid {
		e.DurationMinutes = &duration.Int64
	}
	if e.CreatedAt, err = time.Parse(timeFormat, createdStr); err != nil {
		return domain.TimeEntry{}, fmt.Errorf("parse created_at: %w", err)
	}
	if e.UpdatedAt, err = time.Parse(timeFormat, updatedStr); err != nil {
		return domain.TimeEntry{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return e, nil
}

// storedInterval reduces boundaries to the store's second granularity.
// Plain truncation would collapse a valid sub-second interval to
// end == start and trip the CHECK constraint, so the end rounds up to
// the next second instead.
func storedInterval(start time.Time, end *time.Time) (time.Time, *time.Time) {
	s := start.UTC().Truncate(time.Second)
	if end == nil {
		return s, nil
	}
	e := end.UTC().Truncate(time.Second)
	if !e.After(s) && end.UTC().After(start.UTC()) {
		e = s.Add(time.Second)
	}
	return s, &e
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// userLocks hands out one mutex per user id so writers for different
// users never serialize against each other.
type userLocks struct {
	mu sync.Mutex
	m  map[uuid.UUID]*sync.Mutex
}

func (l *userLocks) forUser(id uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[uuid.UUID]*sync.Mutex)
	}
	if _, ok := l.m[id]; !ok {
		l.m[id] = &sync.Mutex{}
	}
	return l.m[id]
}
