package state

import (
	"context"
	"sync"
)

// MemBackend keeps documents in process memory. It backs tests and the
// -data "" development mode; production runs on the sqlite backend.
type MemBackend struct {
	mu   sync.RWMutex
	docs map[string]memEntry
}

type memEntry struct {
	doc     map[string]any
	version int64
}

func NewMemBackend() *MemBackend {
	return &MemBackend{docs: make(map[string]memEntry)}
}

func (b *MemBackend) Load(_ context.Context, ref DocRef) (map[string]any, int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.docs[ref.String()]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return CopyDoc(e.doc), e.version, nil
}

func (b *MemBackend) Save(_ context.Context, ref DocRef, doc map[string]any, version int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[ref.String()] = memEntry{doc: CopyDoc(doc), version: version}
	return nil
}

func (b *MemBackend) Close() error { return nil }
