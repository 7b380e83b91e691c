package dedup

import "context"

// Ledger stores dedup entries. Implementations must make Apply atomic: the
// per-key check, the application run by fn and the ledger write either all
// take effect or none does.
type Ledger interface {
	// Get returns the entry for key or ErrNotFound.
	Get(ctx context.Context, key string) (*Entry, error)

	// Apply runs fn under mutual exclusion for entry.Key and records the key
	// as applied when fn succeeds. If the key is already applied, fn is not
	// run and the existing entry is returned with ErrAlreadyApplied. fn
	// receives a context that carries the ledger's transaction, if any, so
	// writes made through it commit or roll back with the ledger row.
	Apply(ctx context.Context, entry *Entry, fn func(ctx context.Context) error) (*Entry, error)

	// MarkQuarantined records that the key was quarantined. An applied entry
	// is left unchanged.
	MarkQuarantined(ctx context.Context, entry *Entry) error
}
