package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"timeledger/internal/domain"
)

// MySQL error numbers translated at the store boundary.
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errDuplicateKey    = 1062
)

// lockTimeoutSec bounds how long a writer waits on another writer for
// the same user before the named lock acquisition fails.
const lockTimeoutSec = 10

// Store implements ports.EntryStore on MySQL.
//
// MySQL has no native interval-exclusion constraint, so the overlap and
// single-running checks are made atomic with the write by serializing
// writers per user: each mutation holds a named lock (GET_LOCK) derived
// from the user id for the duration of one check-and-write transaction.
// Writers for different users take different locks and never block each
// other. A unique index on a generated running-flag column backstops the
// single-running invariant at the schema level.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// NewStore opens a MySQL connection using the provided DSN.
// Example DSN: user:pass@tcp(host:3306)/dbname?parseTime=true&multiStatements=true
func NewStore(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("mysql: DSN is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	// Conservative pool defaults; can be adjusted via env later.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	c, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(c); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

const entryColumns = `id, user_id, task_id, project_id, description, start_time, end_time,
	duration_minutes, external, billable, created_at, updated_at`

// Insert validates the candidate against the user's committed entries and
// writes it in one serialized transaction.
func (s *Store) Insert(ctx context.Context, entry domain.TimeEntry) (domain.TimeEntry, error) {
	var created domain.TimeEntry
	err := s.withRetry(ctx, func() error {
		return s.withUserLock(ctx, entry.UserID, func(tx *sql.Tx) error {
			if err := s.validateAgainstExisting(ctx, tx, entry.UserID, entry.Interval(), entry.Running(), uuid.Nil); err != nil {
				return err
			}
			now := time.Now().UTC()
			entry.CreatedAt, entry.UpdatedAt = now, now
			const q = `INSERT INTO time_entries
				(id, user_id, task_id, project_id, description, start_time, end_time,
				 duration_minutes, external, billable, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
			_, err := tx.ExecContext(ctx, q,
				entry.ID.String(), entry.UserID.String(),
				nullUUID(entry.TaskID), nullUUID(entry.ProjectID),
				entry.Description, entry.Start.UTC(), nullTime(entry.End),
				nullInt(entry.DurationMinutes), entry.External, entry.Billable,
				entry.CreatedAt, entry.UpdatedAt,
			)
			if err != nil {
				return s.translateWriteError(ctx, err, entry)
			}
			created = entry
			return nil
		})
	})
	if err != nil {
		return domain.TimeEntry{}, err
	}
	s.log.Debug("entry inserted", slog.String("entry", created.ID.String()))
	return created, nil
}

// UpdateBoundaries replaces an entry's interval after re-validating it
// against the owner's other entries inside the per-user critical section.
func (s *Store) UpdateBoundaries(ctx context.Context, id uuid.UUID, boundaries domain.Interval, durationMinutes *int64) (domain.TimeEntry, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return domain.TimeEntry{}, err
	}
	var updated domain.TimeEntry
	err = s.withRetry(ctx, func() error {
		return s.withUserLock(ctx, current.UserID, func(tx *sql.Tx) error {
			// Re-read inside the transaction; the row may have changed
			// between the plain read and lock acquisition.
			entry, err := s.getTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if err := s.validateAgainstExisting(ctx, tx, entry.UserID, boundaries, boundaries.Open(), id); err != nil {
				return err
			}
			now := time.Now().UTC()
			const q = `UPDATE time_entries
				SET start_time = ?, end_time = ?, duration_minutes = ?, updated_at = ?
				WHERE id = ?`
			if _, err := tx.ExecContext(ctx, q,
				boundaries.Start.UTC(), nullTime(boundaries.End),
				nullInt(durationMinutes), now, id.String(),
			); err != nil {
				return s.translateWriteError(ctx, err, entry)
			}
			entry.Start = boundaries.Start.UTC()
			entry.End = utcPtr(boundaries.End)
			entry.DurationMinutes = durationMinutes
			entry.UpdatedAt = now
			updated = entry
			return nil
		})
	})
	if err != nil {
		return domain.TimeEntry{}, err
	}
	return updated, nil
}

// UpdateMetadata applies the non-boundary fields of a patch. No overlap
// re-validation is needed, so no per-user lock is taken.
func (s *Store) UpdateMetadata(ctx context.Context, id uuid.UUID, patch domain.MetadataPatch) (domain.TimeEntry, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
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
		// RowsAffected is 0 both for a missing row and a no-op update;
		// disambiguate with a read.
		if _, err := s.Get(ctx, id); err != nil {
			return domain.TimeEntry{}, err
		}
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
	return scanEntry(row)
}

func (s *Store) getTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (domain.TimeEntry, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM time_entries WHERE id = ? FOR UPDATE`, id.String())
	return scanEntry(row)
}

// FindRunning returns the user's open entry, or nil if none.
func (s *Store) FindRunning(ctx context.Context, userID uuid.UUID) (*domain.TimeEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM time_entries WHERE user_id = ? AND end_time IS NULL LIMIT 1`,
		userID.String())
	entry, err := scanEntry(row)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Query lists entries matching the filter, newest start first, plus the
// total match count for pagination.
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
		args = append(args, filter.From.UTC())
	}
	if filter.To != nil {
		where = append(where, "start_time < ?")
		args = append(args, filter.To.UTC())
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
		entry, err := scanEntryRows(rows)
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

// validateAgainstExisting runs the single-running and overlap checks
// against the user's committed entries. Must be called inside the
// per-user critical section so the check-and-write is indivisible.
func (s *Store) validateAgainstExisting(ctx context.Context, tx *sql.Tx, userID uuid.UUID, iv domain.Interval, open bool, excludeID uuid.UUID) error {
	candidates, err := s.conflictCandidates(ctx, tx, userID, iv)
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

// conflictCandidates loads the user's entries whose ranges could
// intersect the candidate interval, narrowed by the (user_id, start_time)
// index. Running entries are always candidates.
func (s *Store) conflictCandidates(ctx context.Context, tx *sql.Tx, userID uuid.UUID, iv domain.Interval) ([]domain.TimeEntry, error) {
	q := `SELECT ` + entryColumns + ` FROM time_entries
		WHERE user_id = ? AND (end_time IS NULL OR end_time > ?)`
	args := []any{userID.String(), iv.Start.UTC()}
	if iv.End != nil {
		q += ` AND start_time < ?`
		args = append(args, iv.End.UTC())
	}
	rows, err := tx.QueryContext(ctx, q+` FOR UPDATE`, args...)
	if err != nil {
		return nil, fmt.Errorf("load conflict candidates: %w", err)
	}
	defer rows.Close()

	var entries []domain.TimeEntry
	for rows.Next() {
		entry, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// withUserLock runs fn inside a transaction while holding the MySQL
// named lock for the user. The lock is session-scoped, so acquisition
// and release happen on one dedicated pooled connection.
func (s *Store) withUserLock(ctx context.Context, userID uuid.UUID, fn func(tx *sql.Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	lockName := "time_entries:" + userID.String()
	var acquired sql.NullInt64
	if err := conn.QueryRowContext(ctx,
		`SELECT GET_LOCK(?, ?)`, lockName, lockTimeoutSec).Scan(&acquired); err != nil {
		return fmt.Errorf("acquire user lock: %w", err)
	}
	if !acquired.Valid || acquired.Int64 != 1 {
		return fmt.Errorf("acquire user lock %q: %w", lockName, domain.ErrRetryExhausted)
	}
	// Release must run even when ctx is already cancelled, otherwise the
	// pooled connection would keep the lock.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(releaseCtx, `SELECT RELEASE_LOCK(?)`, lockName)
	}()

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// withRetry retries fn once on a transient serialization conflict
// (deadlock or lock wait timeout) before surfacing ErrRetryExhausted.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if !isTransient(err) {
		return err
	}
	s.log.Warn("transient storage conflict, retrying once", slog.String("error", err.Error()))
	if err = fn(); err != nil {
		if isTransient(err) {
			return fmt.Errorf("%v: %w", err, domain.ErrRetryExhausted)
		}
		return err
	}
	return nil
}

func isTransient(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == errLockWaitTimeout || me.Number == errDeadlock
	}
	return false
}

// translateWriteError maps schema-level rejections onto the domain
// taxonomy. The unique running-flag index backstops the single-running
// invariant; the CHECK constraint backstops end > start.
func (s *Store) translateWriteError(ctx context.Context, err error, entry domain.TimeEntry) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case errDuplicateKey:
			if strings.Contains(me.Message, "uniq_running_per_user") {
				return s.alreadyRunning(ctx, entry)
			}
		case 3819: // CHECK constraint violated
			end := entry.Start
			if entry.End != nil {
				end = *entry.End
			}
			return &domain.InvalidRangeError{Start: entry.Start, End: end}
		}
	}
	return err
}

// alreadyRunning looks up the user's committed open entry so the error
// names the actual conflicting entry rather than the rejected candidate.
// The read goes through the pool, not the failed transaction, and sees
// the committed winner.
func (s *Store) alreadyRunning(ctx context.Context, entry domain.TimeEntry) error {
	if running, err := s.FindRunning(ctx, entry.UserID); err == nil && running != nil {
		return &domain.AlreadyRunningError{EntryID: running.ID, Start: running.Start}
	}
	return &domain.AlreadyRunningError{Start: entry.Start}
}

func scanEntry(row *sql.Row) (domain.TimeEntry, error) {
	var (
		e                domain.TimeEntry
		idStr, userStr   string
		taskStr, projStr sql.NullString
		endTime          sql.NullTime
		duration         sql.NullInt64
	)
	err := row.Scan(&idStr, &userStr, &taskStr, &projStr, &e.Description,
		&e.Start, &endTime, &duration, &e.External, &e.Billable,
		&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TimeEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.TimeEntry{}, fmt.Errorf("scan entry: %w", err)
	}
	return assembleEntry(e, idStr, userStr, taskStr, projStr, endTime, duration)
}

func scanEntryRows(rows *sql.Rows) (domain.TimeEntry, error) {
	var (
		e                domain.TimeEntry
		idStr, userStr   string
		taskStr, projStr sql.NullString
		endTime          sql.NullTime
		duration         sql.NullInt64
	)
	err := rows.Scan(&idStr, &userStr, &taskStr, &projStr, &e.Description,
		&e.Start, &endTime, &duration, &e.External, &e.Billable,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return domain.TimeEntry{}, fmt.Errorf("scan entry: %w", err)
	}
	return assembleEntry(e, idStr, userStr, taskStr, projStr, endTime, duration)
}

func assembleEntry(e domain.TimeEntry, idStr, userStr string, taskStr, projStr sql.NullString, endTime sql.NullTime, duration sql.NullInt64) (domain.TimeEntry, error) {
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
	if endTime.Valid {
		t := endTime.Time.UTC()
		e.End = &t
	}
	if duration.Valid {
		e.DurationMinutes = &duration.Int64
	}
	e.Start = e.Start.UTC()
	return e, nil
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
	return t.UTC()
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
