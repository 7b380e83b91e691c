package matching

import (
	"context"
	"fmt"
	"sort"
)

// Matcher decides which directory entity a message belongs to.
type Matcher struct {
	dir Directory
	cfg Config
}

func NewMatcher(dir Directory, cfg Config) *Matcher {
	def := DefaultConfig()
	if cfg.FuzzyThreshold <= 0 || cfg.FuzzyThreshold > 1 {
		cfg.FuzzyThreshold = def.FuzzyThreshold
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	return &Matcher{dir: dir, cfg: cfg}
}

// Match resolves a query in order: a deterministic patient match, the fuzzy
// pass, then entries bound only to the practice and physician. A query
// without patient identity matches every entry of its practice and
// physician. Directory failures return ErrLookupUnavailable and no decision.
func (m *Matcher) Match(ctx context.Context, q Query) (Decision, error) {
	lctx, cancel := context.WithTimeout(ctx, m.cfg.LookupTimeout)
	defer cancel()

	candidates, err := m.dir.Lookup(lctx, q)
	if err == nil {
		err = lctx.Err()
	}
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrLookupUnavailable, err)
	}

	if !q.HasPatient() {
		if d, ok := deterministic(q, candidates, func(Candidate) bool { return true }); ok {
			return d, nil
		}
		return Decision{Status: StatusNotFound}, nil
	}

	if d, ok := deterministic(q, candidates, func(c Candidate) bool {
		return c.BoundToPatient() && samePatient(q, c)
	}); ok {
		return d, nil
	}
	if d := m.fuzzy(q, candidates); d.Status != StatusNotFound {
		return d, nil
	}
	if d, ok := deterministic(q, candidates, func(c Candidate) bool { return !c.BoundToPatient() }); ok {
		return d, nil
	}
	return Decision{Status: StatusNotFound}, nil
}

// deterministic collects active entries of the query's practice and
// physician that pass keep.
func deterministic(q Query, candidates []Candidate, keep func(Candidate) bool) (Decision, bool) {
	var hits []Scored
	for _, c := range candidates {
		if !c.Active || c.PracticeID != q.PracticeID || c.PhysicianID != q.PhysicianID {
			continue
		}
		if !keep(c) {
			continue
		}
		hits = append(hits, Scored{EntityID: c.EntityID, Score: 1})
	}

	switch len(hits) {
	case 0:
		return Decision{}, false
	case 1:
		return Decision{Status: StatusMatched, EntityID: hits[0].EntityID, Method: MethodDeterministic, Score: 1}, true
	default:
		sortScored(hits)
		return Decision{Status: StatusAmbiguous, Method: MethodDeterministic, Candidates: hits}, true
	}
}

// samePatient compares patient ids when both sides carry one, otherwise
// normalized names and birth date.
func samePatient(q Query, c Candidate) bool {
	if q.PatientID != "" && c.PatientID != "" {
		return q.PatientID == c.PatientID
	}
	if q.BirthDate == "" || q.BirthDate != c.BirthDate {
		return false
	}
	return NormalizeName(q.FamilyName) == NormalizeName(c.FamilyName) &&
		NormalizeName(q.GivenName) == NormalizeName(c.GivenName)
}

func (m *Matcher) fuzzy(q Query, candidates []Candidate) Decision {
	name := fullName(q.FamilyName, q.GivenName)
	if name == "" || q.BirthDate == "" {
		return Decision{Status: StatusNotFound}
	}

	var hits []Scored
	for _, c := range candidates {
		if !c.Active || c.PracticeID != q.PracticeID || c.BirthDate != q.BirthDate {
			continue
		}
		if q.PatientID != "" && c.PatientID != "" && q.PatientID != c.PatientID {
			continue
		}
		score := jaroWinkler(name, fullName(c.FamilyName, c.GivenName))
		if score >= m.cfg.FuzzyThreshold {
			hits = append(hits, Scored{EntityID: c.EntityID, Score: score})
		}
	}
	sortScored(hits)

	switch len(hits) {
	case 0:
		return Decision{Status: StatusNotFound}
	case 1:
		return Decision{Status: StatusMatched, EntityID: hits[0].EntityID, Method: MethodFuzzy, Score: hits[0].Score}
	default:
		return Decision{Status: StatusAmbiguous, Method: MethodFuzzy, Candidates: hits}
	}
}

func sortScored(s []Scored) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		return s[i].EntityID < s[j].EntityID
	})
}
