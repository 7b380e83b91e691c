package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Fingerprint hashes the canonical text of a message.
func Fingerprint(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Key returns the effective dedup key: the external message id when the
// envelope carries one, otherwise the fingerprint.
func Key(externalMessageID, fingerprint string) string {
	if externalMessageID != "" {
		return "ext:" + externalMessageID
	}
	return "fp:" + fingerprint
}

// Decision is the outcome of the gate's early check.
type Decision struct {
	Duplicate bool
	Entry     *Entry // the applied entry for duplicates, or the prior quarantined entry
}

// Gate applies each dedup key at most once.
type Gate struct {
	ledger Ledger
	now    func() time.Time
}

func NewGate(ledger Ledger) *Gate {
	return &Gate{ledger: ledger, now: time.Now}
}

// Check is the early read. An applied key is a duplicate; a quarantined key
// may be re-attempted; an unknown key proceeds. Errors mean the gate could
// not decide.
func (g *Gate) Check(ctx context.Context, key string) (Decision, error) {
	entry, err := g.ledger.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Decision{}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("dedup check: %w", err)
	}
	return Decision{Duplicate: entry.Applied(), Entry: entry}, nil
}

// Apply runs fn and records the key as applied in one atomic unit. A
// concurrent delivery that won the race turns this call into a duplicate:
// the winner's entry is returned with ErrAlreadyApplied.
func (g *Gate) Apply(ctx context.Context, entry Entry, fn func(ctx context.Context) error) (*Entry, error) {
	now := g.now().UTC()
	entry.Outcome = OutcomeApplied
	entry.FirstSeenAt = now
	entry.UpdatedAt = now
	return g.ledger.Apply(ctx, &entry, fn)
}

// MarkQuarantined records that a delivery of the key went to quarantine so a
// redelivery re-attempts it.
func (g *Gate) MarkQuarantined(ctx context.Context, entry Entry) error {
	now := g.now().UTC()
	entry.Outcome = OutcomeQuarantined
	entry.FirstSeenAt = now
	entry.UpdatedAt = now
	return g.ledger.MarkQuarantined(ctx, &entry)
}
