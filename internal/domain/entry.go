package domain

import (
	"time"

	"github.com/google/uuid"
)

// TimeEntry represents one tracked interval of work for a single user.
// End is nil while the entry is running; DurationMinutes is set exactly
// when the entry is closed and is always derived from the boundaries.
type TimeEntry struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	TaskID          *uuid.UUID
	ProjectID       *uuid.UUID
	Description     string
	Start           time.Time // always UTC
	End             *time.Time
	DurationMinutes *int64
	External        bool
	Billable        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Running reports whether the entry is still open. There is no stored
// flag; an entry is running iff it has no end time.
func (e TimeEntry) Running() bool { return e.End == nil }

// Interval returns the half-open interval covered by the entry.
func (e TimeEntry) Interval() Interval { return Interval{Start: e.Start, End: e.End} }

// EntryFilter narrows a Query to one user's entries and optional
// task/project/date-range criteria. From/To bound the start time.
type EntryFilter struct {
	UserID    *uuid.UUID
	TaskID    *uuid.UUID
	ProjectID *uuid.UUID
	From      *time.Time
	To        *time.Time
}

// Page is an offset/limit pagination request.
type Page struct {
	Skip  int
	Limit int
}

// MaxPageLimit caps a single listing request.
const MaxPageLimit = 1000

// Clamp normalizes a page so Skip is non-negative and Limit falls in
// [1, MaxPageLimit].
func (p Page) Clamp() Page {
	if p.Skip < 0 {
		p.Skip = 0
	}
	if p.Limit <= 0 {
		p.Limit = 100
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// EntryPage is one page of query results plus the total match count.
type EntryPage struct {
	Entries []TimeEntry
	Total   int64
	Skip    int
	Limit   int
}

// MetadataPatch carries the optional, non-boundary fields of an edit.
// Nil fields are left unchanged.
type MetadataPatch struct {
	Description *string
	TaskID      *uuid.UUID
	ProjectID   *uuid.UUID
	External    *bool
	Billable    *bool
}

// Empty reports whether the patch would change nothing.
func (p MetadataPatch) Empty() bool {
	return p.Description == nil && p.TaskID == nil && p.ProjectID == nil &&
		p.External == nil && p.Billable == nil
}
