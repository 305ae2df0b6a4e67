package domain

import (
	"time"

	"github.com/google/uuid"
)

// Interval is a half-open time range [Start, End). A nil End means the
// interval is open-ended (a running entry) and extends unbounded to the
// right for overlap purposes.
type Interval struct {
	Start time.Time
	End   *time.Time
}

// Open reports whether the interval has no right boundary.
func (iv Interval) Open() bool { return iv.End == nil }

// Overlaps reports whether two half-open intervals intersect.
// Touching boundaries (one ends exactly where the other starts) do not
// overlap. An open interval conflicts with anything not entirely before
// its start.
func (iv Interval) Overlaps(other Interval) bool {
	// iv.Start < other.End (or other is unbounded)
	if other.End != nil && !iv.Start.Before(*other.End) {
		return false
	}
	// other.Start < iv.End (or iv is unbounded)
	if iv.End != nil && !other.Start.Before(*iv.End) {
		return false
	}
	return true
}

// CheckOverlap validates a candidate interval against a user's existing
// entries, skipping excludeID (the entry being edited, uuid.Nil for
// inserts). It returns nil on acceptance or an *OverlapError listing
// every conflicting entry. Cross-user conflicts are never possible; the
// caller supplies only one user's entries.
func CheckOverlap(candidate Interval, existing []TimeEntry, excludeID uuid.UUID) error {
	var conflicts []Conflict
	for _, e := range existing {
		if e.ID == excludeID {
			continue
		}
		if candidate.Overlaps(e.Interval()) {
			conflicts = append(conflicts, Conflict{EntryID: e.ID, Start: e.Start, End: e.End})
		}
	}
	if len(conflicts) > 0 {
		return &OverlapError{Conflicts: conflicts}
	}
	return nil
}

// FindRunning returns the open entry in a slice, skipping excludeID, or
// nil if none. Stores use it inside their critical section to enforce the
// single-running invariant.
func FindRunning(entries []TimeEntry, excludeID uuid.UUID) *TimeEntry {
	for i := range entries {
		if entries[i].ID == excludeID {
			continue
		}
		if entries[i].Running() {
			return &entries[i]
		}
	}
	return nil
}
