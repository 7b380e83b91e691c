package matching

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryDirectory is a directory held in process, usually seeded from YAML.
type MemoryDirectory struct {
	mu       sync.RWMutex
	entities map[string]Candidate
}

func NewMemoryDirectory(entities ...Candidate) *MemoryDirectory {
	d := &MemoryDirectory{entities: make(map[string]Candidate)}
	for _, c := range entities {
		d.entities[c.EntityID] = c
	}
	return d
}

type seedFile struct {
	Entities []seedEntity `yaml:"entities"`
}

type seedEntity struct {
	Candidate `yaml:",inline"`
	Active    *bool `yaml:"active"`
}

// LoadSeed reads directory entries from a YAML file of the form
//
//	entities:
//	  - entity_id: e-1
//	    practice_id: "012345600"
//	    physician_id: "001234501"
//
// Entries are active unless they say otherwise.
func LoadSeed(path string) ([]Candidate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory seed: %w", err)
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse directory seed %s: %w", path, err)
	}

	out := make([]Candidate, 0, len(f.Entities))
	seen := make(map[string]bool, len(f.Entities))
	for i, e := range f.Entities {
		c := e.Candidate
		if c.EntityID == "" || c.PracticeID == "" || c.PhysicianID == "" {
			return nil, fmt.Errorf("directory seed entry %d: entity_id, practice_id and physician_id are required", i+1)
		}
		if seen[c.EntityID] {
			return nil, fmt.Errorf("directory seed entry %d: duplicate entity_id %q", i+1, c.EntityID)
		}
		seen[c.EntityID] = true
		c.Active = e.Active == nil || *e.Active
		out = append(out, c)
	}
	return out, nil
}

func (d *MemoryDirectory) Upsert(_ context.Context, c Candidate) error {
	if c.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entities[c.EntityID] = c
	return nil
}

func (d *MemoryDirectory) Lookup(ctx context.Context, q Query) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Candidate
	for _, c := range d.entities {
		if c.Active && c.PracticeID == q.PracticeID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}
