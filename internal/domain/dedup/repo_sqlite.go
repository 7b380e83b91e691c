package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ehr/ldtgate/internal/platform/sqlitedb"
)

type ledgerSQLite struct{ db *sqlitedb.DB }

// NewLedgerSQLite returns a ledger stored in the dedup_ledger table of a
// SQLite file. Write transactions are serialized, which gives Apply its
// per-key exclusion.
func NewLedgerSQLite(d *sqlitedb.DB) Ledger {
	return &ledgerSQLite{db: d}
}

const ledgerColsSQLite = `dedup_key, fingerprint, COALESCE(external_message_id, ''), outcome,
	COALESCE(result_id, ''), COALESCE(entity_id, ''), first_seen_at, updated_at`

func scanEntrySQLite(row *sql.Row) (*Entry, error) {
	var e Entry
	var first, updated int64
	err := row.Scan(&e.Key, &e.Fingerprint, &e.ExternalMessageID, &e.Outcome,
		&e.ResultID, &e.EntityID, &first, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.FirstSeenAt = sqlitedb.FromUnixMicro(first)
	e.UpdatedAt = sqlitedb.FromUnixMicro(updated)
	return &e, nil
}

func (r *ledgerSQLite) Get(ctx context.Context, key string) (*Entry, error) {
	return scanEntrySQLite(r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+ledgerColsSQLite+` FROM dedup_ledger WHERE dedup_key = ?`, key))
}

func (r *ledgerSQLite) Apply(ctx context.Context, entry *Entry, fn func(ctx context.Context) error) (*Entry, error) {
	var stored, applied *Entry
	err := r.db.WithTx(ctx, func(ctx context.Context) error {
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
		_, err = r.db.Conn(ctx).ExecContext(ctx, `
			INSERT INTO dedup_ledger (dedup_key, fingerprint, external_message_id, outcome,
				result_id, entity_id, first_seen_at, updated_at)
			VALUES (?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?)
			ON CONFLICT (dedup_key) DO UPDATE SET
				fingerprint = excluded.fingerprint,
				external_message_id = excluded.external_message_id,
				outcome = excluded.outcome,
				result_id = excluded.result_id,
				entity_id = excluded.entity_id,
				updated_at = excluded.updated_at`,
			entry.Key, entry.Fingerprint, entry.ExternalMessageID, string(OutcomeApplied),
			entry.ResultID, entry.EntityID,
			sqlitedb.UnixMicro(entry.FirstSeenAt), sqlitedb.UnixMicro(entry.UpdatedAt))
		if err != nil {
			return fmt.Errorf("record applied: %w", err)
		}
		stored, err = r.Get(ctx, entry.Key)
		return err
	})
	if errors.Is(err, ErrAlreadyApplied) {
		return applied, err
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *ledgerSQLite) MarkQuarantined(ctx context.Context, entry *Entry) error {
	_, err := r.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO dedup_ledger (dedup_key, fingerprint, external_message_id, outcome,
			first_seen_at, updated_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?)
		ON CONFLICT (dedup_key) DO UPDATE SET updated_at = excluded.updated_at
		WHERE dedup_ledger.outcome <> 'applied'`,
		entry.Key, entry.Fingerprint, entry.ExternalMessageID, string(OutcomeQuarantined),
		sqlitedb.UnixMicro(entry.FirstSeenAt), sqlitedb.UnixMicro(entry.UpdatedAt))
	if err != nil {
		return fmt.Errorf("record quarantined: %w", err)
	}
	return nil
}
