package matching

import "context"

// Directory resolves the candidates a query may refer to. Implementations
// return at least every active entry of the query's practice.
type Directory interface {
	Lookup(ctx context.Context, q Query) ([]Candidate, error)
}

// Store is a directory that can be seeded.
type Store interface {
	Directory
	Upsert(ctx context.Context, c Candidate) error
}
