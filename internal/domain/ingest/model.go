package ingest

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ldtgate/internal/domain/matching"
	"github.com/ehr/ldtgate/internal/domain/quarantine"
	"github.com/ehr/ldtgate/internal/platform/ldt"
)

// Caller identifies who submitted a message. Authentication happens upstream;
// these values are recorded, not checked.
type Caller struct {
	TenantID string `json:"tenantId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

// Submission is one inbound message.
type Submission struct {
	Raw               []byte
	ExternalMessageID string
	ReceivedAt        time.Time
	Caller            Caller
}

type Disposition string

const (
	DispositionApplied     Disposition = "applied"
	DispositionDuplicate   Disposition = "duplicate"
	DispositionQuarantined Disposition = "quarantined"
)

// Outcome is the acknowledgment returned for a submission. A duplicate
// carries the result and entity of the original application.
type Outcome struct {
	Disposition  Disposition       `json:"disposition"`
	DedupKey     string            `json:"dedupKey"`
	Fingerprint  string            `json:"fingerprint"`
	ResultID     string            `json:"resultId,omitempty"`
	EntityID     string            `json:"entityId,omitempty"`
	MatchMethod  matching.Method   `json:"matchMethod,omitempty"`
	QuarantineID string            `json:"quarantineId,omitempty"`
	Reason       quarantine.Reason `json:"reason,omitempty"`
	Diagnostics  []ldt.Diagnostic  `json:"diagnostics,omitempty"`
}

// LabResult is an applied message as stored downstream.
type LabResult struct {
	ID          uuid.UUID   `json:"id"`
	Key         string      `json:"dedupKey"`
	Fingerprint string      `json:"fingerprint"`
	EntityID    string      `json:"entityId"`
	Result      *ldt.Result `json:"result"`
	AppliedAt   time.Time   `json:"appliedAt"`
}

var (
	// ErrStoreUnavailable means a message could neither be applied nor
	// quarantined. The caller must redeliver it.
	ErrStoreUnavailable = errors.New("ingest: store unavailable")

	ErrResultNotFound = errors.New("ingest: result not found")
)
