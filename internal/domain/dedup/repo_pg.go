package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ldtgate/internal/platform/db"
)

type ledgerPG struct{ pool *pgxpool.Pool }

// NewLedgerPG returns a ledger backed by the dedup_ledger table. Apply runs
// inside one transaction holding a per-key advisory lock; appliers that use
// db.Conn join it.
func NewLedgerPG(pool *pgxpool.Pool) Ledger {
	return &ledgerPG{pool: pool}
}

func (r *ledgerPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const ledgerCols = `dedup_key, fingerprint, COALESCE(external_message_id, ''), outcome,
	COALESCE(result_id::text, ''), COALESCE(entity_id, ''), first_seen_at, updated_at`

func (r *ledgerPG) scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.Key, &e.Fingerprint, &e.ExternalMessageID, &e.Outcome,
		&e.ResultID, &e.EntityID, &e.FirstSeenAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *ledgerPG) Get(ctx context.Context, key string) (*Entry, error) {
	return r.scanEntry(r.conn(ctx).QueryRow(ctx,
		`SELECT `+ledgerCols+` FROM dedup_ledger WHERE dedup_key = $1`, key))
}

func (r *ledgerPG) Apply(ctx context.Context, entry *Entry, fn func(ctx context.Context) error) (*Entry, error) {
	var stored *Entry
	var applied *Entry
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		if err := r.lock(ctx, entry.Key); err != nil {
			return err
		}
		existing, err := r.Get(ctx, entry.Key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if existing.Applied() {
			applied = existing
			return ErrAlreadyApplied
		}
		if err := fn(ctx); err != nil {
			return err
		}
		stored, err = r.scanEntry(r.conn(ctx).QueryRow(ctx, `
			INSERT INTO dedup_ledger (dedup_key, fingerprint, external_message_id, outcome,
				result_id, entity_id, first_seen_at, updated_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, '')::uuid, NULLIF($6, ''), $7, $8)
			ON CONFLICT (dedup_key) DO UPDATE SET
				fingerprint = EXCLUDED.fingerprint,
				external_message_id = EXCLUDED.external_message_id,
				outcome = EXCLUDED.outcome,
				result_id = EXCLUDED.result_id,
				entity_id = EXCLUDED.entity_id,
				updated_at = EXCLUDED.updated_at
			RETURNING `+ledgerCols,
			entry.Key, entry.Fingerprint, entry.ExternalMessageID, OutcomeApplied,
			entry.ResultID, entry.EntityID, entry.FirstSeenAt, entry.UpdatedAt))
		if err != nil {
			return fmt.Errorf("record applied: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrAlreadyApplied) {
		return applied, err
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *ledgerPG) MarkQuarantined(ctx context.Context, entry *Entry) error {
	// an applied key is never downgraded
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO dedup_ledger (dedup_key, fingerprint, external_message_id, outcome,
			first_seen_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		ON CONFLICT (dedup_key) DO UPDATE SET updated_at = EXCLUDED.updated_at
		WHERE dedup_ledger.outcome <> 'applied'`,
		entry.Key, entry.Fingerprint, entry.ExternalMessageID, OutcomeQuarantined,
		entry.FirstSeenAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("record quarantined: %w", err)
	}
	return nil
}

// lock takes a transaction-scoped advisory lock on the key.
func (r *ledgerPG) lock(ctx context.Context, key string) error {
	if _, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return fmt.Errorf("lock dedup key: %w", err)
	}
	return nil
}
