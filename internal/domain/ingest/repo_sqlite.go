package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/ldtgate/internal/platform/sqlitedb"
)

type resultsSQLite struct{ db *sqlitedb.DB }

// NewResultStoreSQLite stores applied results in the lab_result table of a
// SQLite file.
func NewResultStoreSQLite(d *sqlitedb.DB) ResultStore {
	return &resultsSQLite{db: d}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResultSQLite(row rowScanner) (*LabResult, error) {
	var r LabResult
	var id, payload string
	var applied int64
	if err := row.Scan(&id, &r.Key, &r.Fingerprint, &r.EntityID, &payload, &applied); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse result id: %w", err)
	}
	r.ID = parsed
	r.AppliedAt = sqlitedb.FromUnixMicro(applied)
	if err := json.Unmarshal([]byte(payload), &r.Result); err != nil {
		return nil, fmt.Errorf("decode result payload: %w", err)
	}
	return &r, nil
}

func (s *resultsSQLite) Save(ctx context.Context, r *LabResult) error {
	payload, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Errorf("encode result payload: %w", err)
	}
	var practice, physician, request, status string
	if r.Result != nil {
		practice, physician = r.Result.PracticeID, r.Result.PhysicianID
		request, status = r.Result.Lab.RequestID, r.Result.Lab.ReportStatus
	}
	_, err = s.db.Conn(ctx).ExecContext(ctx, `
		INSERT INTO lab_result (id, dedup_key, fingerprint, entity_id, practice_id, physician_id,
			request_id, report_status, payload, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Key, r.Fingerprint, r.EntityID, practice, physician, request, status,
		string(payload), sqlitedb.UnixMicro(r.AppliedAt))
	return err
}

func (s *resultsSQLite) Get(ctx context.Context, id uuid.UUID) (*LabResult, error) {
	return scanResultSQLite(s.db.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+resultCols+` FROM lab_result WHERE id = ?`, id.String()))
}

func (s *resultsSQLite) ListByEntity(ctx context.Context, entityID string, limit, offset int) ([]*LabResult, int, error) {
	conn := s.db.Conn(ctx)
	var total int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM lab_result WHERE entity_id = ?`, entityID).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := conn.QueryContext(ctx, `SELECT `+resultCols+` FROM lab_result WHERE entity_id = ?
		ORDER BY applied_at DESC, id LIMIT ? OFFSET ?`, entityID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	out := []*LabResult{}
	for rows.Next() {
		r, err := scanResultSQLite(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}
