// Package archive keeps a copy of every applied raw payload for audit. Objects
// are content addressed by message fingerprint, so writing the same payload
// twice is a no-op.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("archive: object not found")

// Archive stores raw payloads.
type Archive interface {
	Put(ctx context.Context, fingerprint string, body []byte, meta map[string]string) error
	Get(ctx context.Context, fingerprint string) ([]byte, error)
}

// ObjectKey lays payloads out in 256 buckets by fingerprint prefix.
func ObjectKey(prefix, fingerprint string) string {
	shard := fingerprint
	if len(shard) > 2 {
		shard = shard[:2]
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.ldt", shard, fingerprint)
	}
	return fmt.Sprintf("%s/%s/%s.ldt", prefix, shard, fingerprint)
}

type memoryArchive struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
}

// NewMemory returns a process-local archive.
func NewMemory(prefix string) Archive {
	return &memoryArchive{prefix: prefix, objects: make(map[string][]byte)}
}

func (a *memoryArchive) Put(_ context.Context, fingerprint string, body []byte, _ map[string]string) error {
	if fingerprint == "" {
		return errors.New("archive: fingerprint required")
	}
	key := ObjectKey(a.prefix, fingerprint)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.objects[key]; !ok {
		a.objects[key] = bytes.Clone(body)
	}
	return nil
}

func (a *memoryArchive) Get(_ context.Context, fingerprint string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	body, ok := a.objects[ObjectKey(a.prefix, fingerprint)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(body), nil
}

type discard struct{}

// Discard drops every payload. Used when no archive is configured.
func Discard() Archive { return discard{} }

func (discard) Put(context.Context, string, []byte, map[string]string) error { return nil }
func (discard) Get(context.Context, string) ([]byte, error)                  { return nil, ErrNotFound }
