package matching

import (
	"errors"
	"time"

	"github.com/ehr/ldtgate/internal/platform/ldt"
)

type Status string

const (
	StatusMatched   Status = "matched"
	StatusAmbiguous Status = "ambiguous"
	StatusNotFound  Status = "not_found"
)

type Method string

const (
	MethodDeterministic Method = "deterministic"
	MethodFuzzy         Method = "fuzzy"
)

// ErrLookupUnavailable marks a directory failure or timeout. It is transient
// and never means the entity does not exist.
var ErrLookupUnavailable = errors.New("matching: directory lookup unavailable")

// Query is the identity carried by one message.
type Query struct {
	PracticeID  string `json:"practiceId"`
	PhysicianID string `json:"physicianId"`
	PatientID   string `json:"patientId,omitempty"`
	FamilyName  string `json:"familyName,omitempty"`
	GivenName   string `json:"givenName,omitempty"`
	BirthDate   string `json:"birthDate,omitempty"`
}

func QueryFromResult(r *ldt.Result) Query {
	return Query{
		PracticeID:  r.PracticeID,
		PhysicianID: r.PhysicianID,
		PatientID:   r.Patient.PatientID,
		FamilyName:  r.Patient.FamilyName,
		GivenName:   r.Patient.GivenName,
		BirthDate:   r.Patient.BirthDate,
	}
}

// HasPatient reports whether the query carries a patient identity.
func (q Query) HasPatient() bool {
	if q.PatientID != "" {
		return true
	}
	return q.FamilyName != "" && q.BirthDate != ""
}

// Candidate is one directory entry: a practice/physician pair, optionally
// bound to a patient.
type Candidate struct {
	EntityID    string `json:"entityId" yaml:"entity_id"`
	PracticeID  string `json:"practiceId" yaml:"practice_id"`
	PhysicianID string `json:"physicianId" yaml:"physician_id"`
	PatientID   string `json:"patientId,omitempty" yaml:"patient_id"`
	FamilyName  string `json:"familyName,omitempty" yaml:"family_name"`
	GivenName   string `json:"givenName,omitempty" yaml:"given_name"`
	BirthDate   string `json:"birthDate,omitempty" yaml:"birth_date"`
	Active      bool   `json:"active" yaml:"-"`
}

// BoundToPatient reports whether the entry names a patient. Unbound entries
// stand for their practice and physician as a whole.
func (c Candidate) BoundToPatient() bool {
	return c.PatientID != "" || (c.FamilyName != "" && c.BirthDate != "")
}

// Scored is a candidate reference kept for review. It never carries
// patient data.
type Scored struct {
	EntityID string  `json:"entityId"`
	Score    float64 `json:"score"`
}

type Decision struct {
	Status     Status   `json:"status"`
	EntityID   string   `json:"entityId,omitempty"`
	Method     Method   `json:"method,omitempty"`
	Score      float64  `json:"score,omitempty"`
	Candidates []Scored `json:"candidates,omitempty"`
}

type Config struct {
	FuzzyThreshold float64
	LookupTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{FuzzyThreshold: 0.90, LookupTimeout: 2 * time.Second}
}
