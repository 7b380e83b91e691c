package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ldtgate/internal/platform/db"
)

type resultsPG struct{ pool *pgxpool.Pool }

// NewResultStorePG stores applied results in the lab_result table.
func NewResultStorePG(pool *pgxpool.Pool) ResultStore {
	return &resultsPG{pool: pool}
}

const resultCols = `id, dedup_key, fingerprint, entity_id, payload, applied_at`

func scanResultPG(row pgx.Row) (*LabResult, error) {
	var r LabResult
	var payload []byte
	if err := row.Scan(&r.ID, &r.Key, &r.Fingerprint, &r.EntityID, &payload, &r.AppliedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(payload, &r.Result); err != nil {
		return nil, fmt.Errorf("decode result payload: %w", err)
	}
	return &r, nil
}

func (s *resultsPG) Save(ctx context.Context, r *LabResult) error {
	payload, err := json.Marshal(r.Result)
	if err != nil {
		return fmt.Errorf("encode result payload: %w", err)
	}
	var practice, physician, request, status string
	if r.Result != nil {
		practice, physician = r.Result.PracticeID, r.Result.PhysicianID
		request, status = r.Result.Lab.RequestID, r.Result.Lab.ReportStatus
	}
	_, err = db.Conn(ctx, s.pool).Exec(ctx, `
		INSERT INTO lab_result (id, dedup_key, fingerprint, entity_id, practice_id, physician_id,
			request_id, report_status, payload, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)`,
		r.ID, r.Key, r.Fingerprint, r.EntityID, practice, physician, request, status,
		string(payload), r.AppliedAt)
	return err
}

func (s *resultsPG) Get(ctx context.Context, id uuid.UUID) (*LabResult, error) {
	return scanResultPG(db.Conn(ctx, s.pool).QueryRow(ctx,
		`SELECT `+resultCols+` FROM lab_result WHERE id = $1`, id))
}

func (s *resultsPG) ListByEntity(ctx context.Context, entityID string, limit, offset int) ([]*LabResult, int, error) {
	conn := db.Conn(ctx, s.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM lab_result WHERE entity_id = $1`, entityID).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := conn.Query(ctx, `SELECT `+resultCols+` FROM lab_result WHERE entity_id = $1
		ORDER BY applied_at DESC, id LIMIT $2 OFFSET $3`, entityID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := []*LabResult{}
	for rows.Next() {
		r, err := scanResultPG(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}
