package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memEntry struct {
	value     []byte
	liveUntil uint64
}

// MemoryStore is a process-local Store. Units of work are serialized by a
// single lock and staged in an overlay that is merged on success.
type MemoryStore struct {
	Now func() uint64

	mu      sync.RWMutex
	entries map[string]memEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]memEntry{}}
}

func (s *MemoryStore) now() uint64 {
	if s.Now != nil {
		return s.Now()
	}
	return 0
}

func (s *MemoryStore) Update(ctx context.Context, fn func(ctx context.Context, kv KV) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{store: s, staged: map[string]memEntry{}}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for k, e := range tx.staged {
		s.entries[k] = e
	}
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(ctx context.Context, kv KV) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(ctx, &memTx{store: s, readOnly: true})
}

func (s *MemoryStore) Close() error { return nil }

// LiveUntil returns the retention mark of key.
func (s *MemoryStore) LiveUntil(key string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e.liveUntil, ok
}

// Keys lists stored keys with the given prefix in lexical order.
func (s *MemoryStore) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

type memTx struct {
	store    *MemoryStore
	staged   map[string]memEntry
	readOnly bool
}

func (t *memTx) lookup(key string) (memEntry, bool) {
	if e, ok := t.staged[key]; ok {
		return e, true
	}
	e, ok := t.store.entries[key]
	return e, ok
}

func (t *memTx) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := t.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (t *memTx) Set(_ context.Context, key string, value []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	e, ok := t.lookup(key)
	if !ok {
		e.liveUntil = t.store.now()
	}
	e.value = append([]byte(nil), value...)
	t.staged[key] = e
	return nil
}

func (t *memTx) ExtendTTL(_ context.Context, key string, minRemaining, extendTo uint32) error {
	if t.readOnly {
		return errReadOnly
	}
	e, ok := t.lookup(key)
	if !ok {
		return ErrNotFound
	}
	e.liveUntil = extendedLiveUntil(e.liveUntil, t.store.now(), minRemaining, extendTo)
	t.staged[key] = e
	return nil
}
