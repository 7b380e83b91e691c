package quarantine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/ldtgate/internal/platform/phi"
	"github.com/ehr/ldtgate/internal/platform/sqlitedb"
)

type storeSQLite struct {
	db     *sqlitedb.DB
	sealer phi.Sealer
}

func NewStoreSQLite(d *sqlitedb.DB, sealer phi.Sealer) Store {
	if sealer == nil {
		sealer = phi.Plain()
	}
	return &storeSQLite{db: d, sealer: sealer}
}

const entryColsSQLite = `id, dedup_key, fingerprint, COALESCE(external_message_id, ''),
	COALESCE(tenant_id, ''), COALESCE(client_id, ''), raw_message, reason, detail,
	diagnostics, candidates, status, resolution, received_at, retry_count,
	last_attempt_at, next_attempt_at, version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *storeSQLite) scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var id string
	var raw []byte
	var diagnostics, candidates string
	var resolution sql.NullString
	var received int64
	var last, next sql.NullInt64
	err := row.Scan(&id, &e.Key, &e.Fingerprint, &e.ExternalMessageID,
		&e.TenantID, &e.ClientID, &raw, &e.Reason, &e.Detail,
		&diagnostics, &candidates, &e.Status, &resolution, &received, &e.RetryCount,
		&last, &next, &e.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse entry id: %w", err)
	}
	if err := decodeColumns(&e, []byte(diagnostics), []byte(candidates), []byte(resolution.String)); err != nil {
		return nil, err
	}
	e.ReceivedAt = sqlitedb.FromUnixMicro(received)
	e.LastAttemptAt = sqlitedb.FromNullUnixMicro(last)
	e.NextAttemptAt = sqlitedb.FromNullUnixMicro(next)
	if e.RawMessage, err = r.sealer.Open(raw); err != nil {
		return nil, fmt.Errorf("open raw message %s: %w", e.ID, err)
	}
	return &e, nil
}

func (r *storeSQLite) Create(ctx context.Context, e *Entry) error {
	cols, err := encodeColumns(e)
	if err != nil {
		return err
	}
	sealed, err := r.sealer.Seal(e.RawMessage)
	if err != nil {
		return err
	}
	_, err = r.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO quarantine_entry (id, dedup_key, fingerprint, external_message_id,
			tenant_id, client_id, raw_message, reason, detail, diagnostics, candidates,
			status, resolution, received_at, retry_count, last_attempt_at, next_attempt_at, version)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.Key, e.Fingerprint, e.ExternalMessageID,
		e.TenantID, e.ClientID, sealed, string(e.Reason), e.Detail, cols.diagnostics, cols.candidates,
		string(e.Status), cols.resolution, sqlitedb.UnixMicro(e.ReceivedAt), e.RetryCount,
		sqlitedb.NullUnixMicro(e.LastAttemptAt), sqlitedb.NullUnixMicro(e.NextAttemptAt), e.Version)
	return err
}

func (r *storeSQLite) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return r.scanEntry(r.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+entryColsSQLite+` FROM quarantine_entry WHERE id = ?`, id.String()))
}

func (r *storeSQLite) Update(ctx context.Context, e *Entry) error {
	cols, err := encodeColumns(e)
	if err != nil {
		return err
	}
	res, err := r.db.Conn(ctx).ExecContext(ctx, `
		UPDATE quarantine_entry SET reason = ?, detail = ?, diagnostics = ?, candidates = ?,
			status = ?, resolution = ?, retry_count = ?, last_attempt_at = ?, next_attempt_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?`,
		string(e.Reason), e.Detail, cols.diagnostics, cols.candidates,
		string(e.Status), cols.resolution, e.RetryCount,
		sqlitedb.NullUnixMicro(e.LastAttemptAt), sqlitedb.NullUnixMicro(e.NextAttemptAt),
		e.ID.String(), e.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.Get(ctx, e.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	e.Version++
	return nil
}

func (r *storeSQLite) List(ctx context.Context, f Filter) ([]*Entry, int, error) {
	const where = `WHERE (? = '' OR status = ?) AND (? = '' OR reason = ?)`
	args := []interface{}{string(f.Status), string(f.Status), string(f.Reason), string(f.Reason)}

	var total int
	if err := r.db.Conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM quarantine_entry `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Conn(ctx).QueryContext(ctx, `SELECT `+entryColsSQLite+` FROM quarantine_entry `+where+`
		ORDER BY received_at DESC LIMIT ? OFFSET ?`, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *storeSQLite) Due(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.Conn(ctx).QueryContext(ctx, `SELECT `+entryColsSQLite+` FROM quarantine_entry
		WHERE status = ? AND reason <> ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?
		ORDER BY next_attempt_at LIMIT ?`,
		string(StatusQuarantined), string(ReasonStructural), sqlitedb.UnixMicro(now), limit)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *storeSQLite) Stale(ctx context.Context, cutoff time.Time) ([]*Entry, error) {
	rows, err := r.db.Conn(ctx).QueryContext(ctx, `SELECT `+entryColsSQLite+` FROM quarantine_entry
		WHERE status = ? OR (status = ? AND received_at < ?)
		ORDER BY received_at`,
		string(StatusStale), string(StatusQuarantined), sqlitedb.UnixMicro(cutoff))
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *storeSQLite) collect(rows *sql.Rows) ([]*Entry, error) {
	defer func() { _ = rows.Close() }()
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
