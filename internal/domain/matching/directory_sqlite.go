package matching

import (
	"context"
	"time"

	"github.com/ehr/ldtgate/internal/platform/sqlitedb"
)

type directorySQLite struct{ d *sqlitedb.DB }

// NewDirectorySQLite returns a directory backed by the SQLite
// directory_entity table.
func NewDirectorySQLite(d *sqlitedb.DB) Store {
	return &directorySQLite{d: d}
}

func (r *directorySQLite) Lookup(ctx context.Context, q Query) ([]Candidate, error) {
	rows, err := r.d.Conn(ctx).QueryContext(ctx,
		`SELECT `+directoryCols+` FROM directory_entity
		WHERE practice_id = ? AND active = 1 ORDER BY entity_id`, q.PracticeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (r *directorySQLite) Upsert(ctx context.Context, c Candidate) error {
	_, err := r.d.Conn(ctx).ExecContext(ctx, `
		INSERT INTO directory_entity (`+directoryCols+`, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (entity_id) DO UPDATE SET
			practice_id = excluded.practice_id, physician_id = excluded.physician_id,
			patient_id = excluded.patient_id, family_name = excluded.family_name,
			given_name = excluded.given_name, birth_date = excluded.birth_date,
			active = excluded.active, updated_at = excluded.updated_at`,
		c.EntityID, c.PracticeID, c.PhysicianID, c.PatientID,
		c.FamilyName, c.GivenName, c.BirthDate, c.Active, sqlitedb.UnixMicro(time.Now()))
	return err
}
