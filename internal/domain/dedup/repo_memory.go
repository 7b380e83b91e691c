package dedup

import (
	"context"
	"sync"
)

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

type memoryLedger struct {
	keys    keyedMutex
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryLedger returns a process-local ledger. Apply is atomic only with
// appliers that do not fail after fn returns, such as the in-memory result
// store.
func NewMemoryLedger() Ledger {
	return &memoryLedger{entries: make(map[string]Entry)}
}

func (l *memoryLedger) Get(_ context.Context, key string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (l *memoryLedger) Apply(ctx context.Context, entry *Entry, fn func(ctx context.Context) error) (*Entry, error) {
	unlock := l.keys.lock(entry.Key)
	defer unlock()

	existing, err := l.Get(ctx, entry.Key)
	if err == nil && existing.Applied() {
		return existing, ErrAlreadyApplied
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := fn(ctx); err != nil {
		return nil, err
	}

	stored := *entry
	if existing != nil {
		stored.FirstSeenAt = existing.FirstSeenAt
	}
	l.mu.Lock()
	l.entries[entry.Key] = stored
	l.mu.Unlock()
	return &stored, nil
}

func (l *memoryLedger) MarkQuarantined(_ context.Context, entry *Entry) error {
	unlock := l.keys.lock(entry.Key)
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.entries[entry.Key]
	if ok && existing.Applied() {
		return nil
	}
	stored := *entry
	if ok {
		stored.FirstSeenAt = existing.FirstSeenAt
	}
	l.entries[entry.Key] = stored
	return nil
}
