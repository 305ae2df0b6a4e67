package ports

import (
	"context"

	"github.com/google/uuid"

	"timeledger/internal/domain"
)

// EntryStore is the sole reader/writer of persisted time entries.
//
// Insert and UpdateBoundaries must perform the overlap and single-running
// checks atomically with the write: no two concurrent calls for the same
// user may both commit intersecting intervals or a second open entry.
// Writes for different users must not serialize against each other.
// Every rejected write leaves the store unchanged.
type EntryStore interface {
	// Insert persists a new entry (open or closed) after validating it
	// against the user's committed entries. Fails with
	// *domain.OverlapError or *domain.AlreadyRunningError.
	Insert(ctx context.Context, entry domain.TimeEntry) (domain.TimeEntry, error)

	// UpdateBoundaries replaces an entry's interval and duration after
	// re-validating against the owner's other entries.
	UpdateBoundaries(ctx context.Context, id uuid.UUID, boundaries domain.Interval, durationMinutes *int64) (domain.TimeEntry, error)

	// UpdateMetadata applies the non-boundary fields of a patch.
	UpdateMetadata(ctx context.Context, id uuid.UUID, patch domain.MetadataPatch) (domain.TimeEntry, error)

	// Delete hard-removes an entry. There is no soft delete.
	Delete(ctx context.Context, id uuid.UUID) error

	// Get fetches a single entry by id.
	Get(ctx context.Context, id uuid.UUID) (domain.TimeEntry, error)

	// FindRunning returns the user's open entry, or nil if none.
	FindRunning(ctx context.Context, userID uuid.UUID) (*domain.TimeEntry, error)

	// Query lists entries matching the filter, newest start first.
	Query(ctx context.Context, filter domain.EntryFilter, page domain.Page) (domain.EntryPage, error)
}
