package quarantine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status Status
	Reason Reason
	Limit  int
	Offset int
}

// Store persists quarantine entries. Update is compare-and-set on Version:
// it fails with ErrVersionConflict when the stored version differs and
// increments e.Version on success.
type Store interface {
	Create(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	Update(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]*Entry, int, error)
	// Due returns retryable quarantined entries whose next attempt is at or
	// before now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*Entry, error)
	// Stale returns stale entries and quarantined entries received before
	// cutoff.
	Stale(ctx context.Context, cutoff time.Time) ([]*Entry, error)
}
