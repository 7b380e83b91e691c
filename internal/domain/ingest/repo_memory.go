package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/ldtgate/internal/platform/ldt"
)

type memoryResults struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*LabResult
	byKey map[string]uuid.UUID
}

func NewMemoryResultStore() ResultStore {
	return &memoryResults{byID: make(map[uuid.UUID]*LabResult), byKey: make(map[string]uuid.UUID)}
}

func copyResult(r *LabResult) *LabResult {
	out := *r
	if r.Result != nil {
		// round trip through JSON for a deep copy of the nested slices
		var res ldt.Result
		b, _ := json.Marshal(r.Result)
		_ = json.Unmarshal(b, &res)
		out.Result = &res
	}
	return &out
}

func (s *memoryResults) Save(_ context.Context, r *LabResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[r.Key]; ok {
		return fmt.Errorf("result for %s already stored", r.Key)
	}
	s.byID[r.ID] = copyResult(r)
	s.byKey[r.Key] = r.ID
	return nil
}

func (s *memoryResults) Get(_ context.Context, id uuid.UUID) (*LabResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrResultNotFound
	}
	return copyResult(r), nil
}

func (s *memoryResults) ListByEntity(_ context.Context, entityID string, limit, offset int) ([]*LabResult, int, error) {
	s.mu.RLock()
	var matched []*LabResult
	for _, r := range s.byID {
		if r.EntityID == entityID {
			matched = append(matched, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].AppliedAt.Equal(matched[j].AppliedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].AppliedAt.After(matched[j].AppliedAt)
	})
	total := len(matched)
	if offset >= total {
		return []*LabResult{}, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	out := make([]*LabResult, len(matched))
	for i, r := range matched {
		out[i] = copyResult(r)
	}
	return out, total, nil
}
