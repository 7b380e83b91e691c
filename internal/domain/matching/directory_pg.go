package matching

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/ldtgate/internal/platform/db"
)

type directoryPG struct{ pool *pgxpool.Pool }

// NewDirectoryPG returns a directory backed by the directory_entity table.
func NewDirectoryPG(pool *pgxpool.Pool) Store {
	return &directoryPG{pool: pool}
}

const directoryCols = `entity_id, practice_id, physician_id, patient_id, family_name,
	given_name, birth_date, active`

func (r *directoryPG) Lookup(ctx context.Context, q Query) ([]Candidate, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+directoryCols+` FROM directory_entity
		WHERE practice_id = $1 AND active ORDER BY entity_id`, q.PracticeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.EntityID, &c.PracticeID, &c.PhysicianID, &c.PatientID,
			&c.FamilyName, &c.GivenName, &c.BirthDate, &c.Active); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *directoryPG) Upsert(ctx context.Context, c Candidate) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO directory_entity (`+directoryCols+`, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8, NOW())
		ON CONFLICT (entity_id) DO UPDATE SET
			practice_id = EXCLUDED.practice_id, physician_id = EXCLUDED.physician_id,
			patient_id = EXCLUDED.patient_id, family_name = EXCLUDED.family_name,
			given_name = EXCLUDED.given_name, birth_date = EXCLUDED.birth_date,
			active = EXCLUDED.active, updated_at = NOW()`,
		c.EntityID, c.PracticeID, c.PhysicianID, c.PatientID,
		c.FamilyName, c.GivenName, c.BirthDate, c.Active)
	return err
}
