package dedup

import (
	"errors"
	"time"
)

// Outcome is the recorded fate of a dedup key.
type Outcome string

const (
	OutcomeApplied     Outcome = "applied"
	OutcomeQuarantined Outcome = "quarantined"
)

// Entry is one row of the dedup ledger. Entries are never deleted.
type Entry struct {
	Key               string    `json:"key"`
	Fingerprint       string    `json:"fingerprint"`
	ExternalMessageID string    `json:"externalMessageId,omitempty"`
	Outcome           Outcome   `json:"outcome"`
	ResultID          string    `json:"resultId,omitempty"`
	EntityID          string    `json:"entityId,omitempty"`
	FirstSeenAt       time.Time `json:"firstSeenAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Applied reports whether the entry records a completed application.
func (e *Entry) Applied() bool {
	return e != nil && e.Outcome == OutcomeApplied
}

var (
	// ErrNotFound is returned by Get for keys the ledger has never seen.
	ErrNotFound = errors.New("dedup: entry not found")

	// ErrAlreadyApplied is returned by Apply when another delivery of the
	// same key was applied first. Nothing was written.
	ErrAlreadyApplied = errors.New("dedup: key already applied")
)
