package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors surfaced by the engine. Adapters translate driver-level
// failures into these at the store boundary so callers only ever match
// against the domain taxonomy.
var (
	// ErrNotFound is returned when an entry id does not exist.
	ErrNotFound = errors.New("time entry not found")

	// ErrNotRunning is returned by stop when the user has no open entry.
	ErrNotRunning = errors.New("no running time entry")

	// ErrPermission is returned when the caller is neither the owner of
	// the entry nor an admin.
	ErrPermission = errors.New("not permitted")

	// ErrRetryExhausted is returned after the single internal retry on a
	// transient storage conflict also failed.
	ErrRetryExhausted = errors.New("storage conflict retry exhausted")
)

// InvalidRangeError reports an interval whose end does not lie strictly
// after its start.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range: end %s must be after start %s",
		e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
}

// Conflict identifies one existing entry that intersects a candidate
// interval. End is nil for a running entry.
type Conflict struct {
	EntryID uuid.UUID
	Start   time.Time
	End     *time.Time
}

// OverlapError reports that a candidate interval intersects one or more
// committed entries of the same user.
type OverlapError struct {
	Conflicts []Conflict
}

func (e *OverlapError) Error() string {
	if len(e.Conflicts) == 1 {
		return fmt.Sprintf("time entry overlaps existing entry %s", e.Conflicts[0].EntryID)
	}
	return fmt.Sprintf("time entry overlaps %d existing entries", len(e.Conflicts))
}

// AlreadyRunningError reports that the user already has an open entry and
// the candidate is also open.
type AlreadyRunningError struct {
	EntryID uuid.UUID
	Start   time.Time
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("time entry %s is already running since %s",
		e.EntryID, e.Start.Format(time.RFC3339))
}
