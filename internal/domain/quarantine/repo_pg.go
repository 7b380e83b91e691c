package quarantine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ldtgate/internal/platform/db"
	"github.com/ehr/ldtgate/internal/platform/phi"
)

type storePG struct {
	pool   *pgxpool.Pool
	sealer phi.Sealer
}

// NewStorePG returns a store backed by the quarantine_entry table. Raw
// payloads are sealed before they are written.
func NewStorePG(pool *pgxpool.Pool, sealer phi.Sealer) Store {
	if sealer == nil {
		sealer = phi.Plain()
	}
	return &storePG{pool: pool, sealer: sealer}
}

func (r *storePG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const entryCols = `id, dedup_key, fingerprint, COALESCE(external_message_id, ''),
	COALESCE(tenant_id, ''), COALESCE(client_id, ''), raw_message, reason, detail,
	diagnostics, candidates, status, resolution, received_at, retry_count,
	last_attempt_at, next_attempt_at, version`

func (r *storePG) scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var raw, diagnostics, candidates, resolution []byte
	err := row.Scan(&e.ID, &e.Key, &e.Fingerprint, &e.ExternalMessageID,
		&e.TenantID, &e.ClientID, &raw, &e.Reason, &e.Detail,
		&diagnostics, &candidates, &e.Status, &resolution, &e.ReceivedAt, &e.RetryCount,
		&e.LastAttemptAt, &e.NextAttemptAt, &e.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decodeColumns(&e, diagnostics, candidates, resolution); err != nil {
		return nil, err
	}
	if e.RawMessage, err = r.sealer.Open(raw); err != nil {
		return nil, fmt.Errorf("open raw message %s: %w", e.ID, err)
	}
	return &e, nil
}

func (r *storePG) Create(ctx context.Context, e *Entry) error {
	cols, err := encodeColumns(e)
	if err != nil {
		return err
	}
	sealed, err := r.sealer.Seal(e.RawMessage)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO quarantine_entry (id, dedup_key, fingerprint, external_message_id,
			tenant_id, client_id, raw_message, reason, detail, diagnostics, candidates,
			status, resolution, received_at, retry_count, last_attempt_at, next_attempt_at, version)
		VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),NULLIF($6,''),$7,$8,$9,$10::jsonb,$11::jsonb,
			$12,$13::jsonb,$14,$15,$16,$17,$18)`,
		e.ID, e.Key, e.Fingerprint, e.ExternalMessageID,
		e.TenantID, e.ClientID, sealed, e.Reason, e.Detail, cols.diagnostics, cols.candidates,
		e.Status, cols.resolution, e.ReceivedAt, e.RetryCount, e.LastAttemptAt, e.NextAttemptAt, e.Version)
	return err
}

func (r *storePG) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return r.scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM quarantine_entry WHERE id = $1`, id))
}

func (r *storePG) Update(ctx context.Context, e *Entry) error {
	cols, err := encodeColumns(e)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE quarantine_entry SET reason=$3, detail=$4, diagnostics=$5::jsonb, candidates=$6::jsonb,
			status=$7, resolution=$8::jsonb, retry_count=$9, last_attempt_at=$10, next_attempt_at=$11,
			version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $2`,
		e.ID, e.Version, e.Reason, e.Detail, cols.diagnostics, cols.candidates,
		e.Status, cols.resolution, e.RetryCount, e.LastAttemptAt, e.NextAttemptAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM quarantine_entry WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	e.Version++
	return nil
}

func (r *storePG) List(ctx context.Context, f Filter) ([]*Entry, int, error) {
	const where = `WHERE ($1 = '' OR status = $1) AND ($2 = '' OR reason = $2)`
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM quarantine_entry `+where,
		string(f.Status), string(f.Reason)).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM quarantine_entry `+where+`
		ORDER BY received_at DESC LIMIT $3 OFFSET $4`,
		string(f.Status), string(f.Reason), limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *storePG) Due(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM quarantine_entry
		WHERE status = $1 AND reason <> $2 AND next_attempt_at <= $3
		ORDER BY next_attempt_at LIMIT NULLIF($4, 0)`,
		StatusQuarantined, ReasonStructural, now, limit)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *storePG) Stale(ctx context.Context, cutoff time.Time) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM quarantine_entry
		WHERE status = $1 OR (status = $2 AND received_at < $3)
		ORDER BY received_at`,
		StatusStale, StatusQuarantined, cutoff)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *storePG) collect(rows pgx.Rows) ([]*Entry, error) {
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}
