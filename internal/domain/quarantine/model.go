package quarantine

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ldtgate/internal/domain/matching"
	"github.com/ehr/ldtgate/internal/platform/ldt"
)

// Reason records why a message was quarantined.
type Reason string

const (
	ReasonStructural       Reason = "structural"
	ReasonMatchAmbiguous   Reason = "match_ambiguous"
	ReasonMatchNotFound    Reason = "match_not_found"
	ReasonStoreUnavailable Reason = "store_unavailable"
	ReasonDedupUndecided   Reason = "dedup_undecided"
)

// Retryable reports whether the sweeper retries entries with this reason.
// Structural failures need a corrected payload.
func (r Reason) Retryable() bool {
	return r != ReasonStructural
}

type Status string

const (
	StatusQuarantined Status = "quarantined"
	StatusStale       Status = "stale"
	StatusApplied     Status = "applied"
	StatusResolved    Status = "resolved"
)

// Open reports whether the entry still awaits a decision.
func (s Status) Open() bool {
	return s == StatusQuarantined || s == StatusStale
}

type Action string

const (
	ActionAccepted Action = "accepted"
	ActionRejected Action = "rejected"
)

// Resolution is the manual decision on an entry.
type Resolution struct {
	Action     Action    `json:"action"`
	EntityID   string    `json:"entityId,omitempty"`
	Corrected  bool      `json:"corrected,omitempty"`
	Note       string    `json:"note,omitempty"`
	ResolvedBy string    `json:"resolvedBy,omitempty"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Entry is one quarantined message. RawMessage is never serialized to
// clients.
type Entry struct {
	ID                uuid.UUID         `json:"id"`
	Key               string            `json:"key"`
	Fingerprint       string            `json:"fingerprint"`
	ExternalMessageID string            `json:"externalMessageId,omitempty"`
	TenantID          string            `json:"tenantId,omitempty"`
	ClientID          string            `json:"clientId,omitempty"`
	RawMessage        []byte            `json:"-"`
	Reason            Reason            `json:"reason"`
	Detail            string            `json:"detail,omitempty"`
	Diagnostics       []ldt.Diagnostic  `json:"diagnostics,omitempty"`
	Candidates        []matching.Scored `json:"candidates,omitempty"`
	Status            Status            `json:"status"`
	Resolution        *Resolution       `json:"resolution,omitempty"`
	ReceivedAt        time.Time         `json:"receivedAt"`
	RetryCount        int               `json:"retryCount"`
	LastAttemptAt     *time.Time        `json:"lastAttemptAt,omitempty"`
	NextAttemptAt     *time.Time        `json:"nextAttemptAt,omitempty"`
	Version           int               `json:"version"`
}

var (
	ErrNotFound          = errors.New("quarantine: entry not found")
	ErrVersionConflict   = errors.New("quarantine: entry was modified concurrently")
	ErrInvalidTransition = errors.New("quarantine: transition not allowed")
	ErrInvalidResolution = errors.New("quarantine: invalid resolution")
	ErrNotApplied        = errors.New("quarantine: accepted entry could not be applied")
)
