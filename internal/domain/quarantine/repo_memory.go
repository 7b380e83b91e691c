package quarantine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*Entry
	order   []uuid.UUID
}

func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[uuid.UUID]*Entry)}
}

func clone(e *Entry) *Entry {
	c := *e
	c.RawMessage = append([]byte(nil), e.RawMessage...)
	c.Diagnostics = append(c.Diagnostics[:0:0], e.Diagnostics...)
	c.Candidates = append(c.Candidates[:0:0], e.Candidates...)
	if e.Resolution != nil {
		r := *e.Resolution
		c.Resolution = &r
	}
	if e.LastAttemptAt != nil {
		t := *e.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if e.NextAttemptAt != nil {
		t := *e.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return &c
}

func (s *memoryStore) Create(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = clone(e)
	s.order = append(s.order, e.ID)
	return nil
}

func (s *memoryStore) Get(_ context.Context, id uuid.UUID) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e), nil
}

func (s *memoryStore) Update(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != e.Version {
		return ErrVersionConflict
	}
	e.Version++
	s.entries[e.ID] = clone(e)
	return nil
}

func (s *memoryStore) List(_ context.Context, f Filter) ([]*Entry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var filtered []*Entry
	// newest first
	for i := len(s.order) - 1; i >= 0; i-- {
		e := s.entries[s.order[i]]
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.Reason != "" && e.Reason != f.Reason {
			continue
		}
		filtered = append(filtered, e)
	}
	total := len(filtered)
	if f.Offset >= total {
		return []*Entry{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < total {
		end = f.Offset + f.Limit
	}
	out := make([]*Entry, 0, end-f.Offset)
	for _, e := range filtered[f.Offset:end] {
		out = append(out, clone(e))
	}
	return out, total, nil
}

func (s *memoryStore) Due(_ context.Context, now time.Time, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.entries {
		if e.Status != StatusQuarantined || !e.Reason.Retryable() || e.NextAttemptAt == nil {
			continue
		}
		if e.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, clone(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(*out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) Stale(_ context.Context, cutoff time.Time) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, id := range s.order {
		e := s.entries[id]
		if e.Status == StatusStale || (e.Status == StatusQuarantined && e.ReceivedAt.Before(cutoff)) {
			out = append(out, clone(e))
		}
	}
	return out, nil
}
