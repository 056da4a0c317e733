package esc

import (
	"context"
	"maps"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Batch is a set of writes applied atomically
type Batch struct {
	Set    map[string][]byte
	Delete []string
}

func (b *Batch) set(key string, value []byte) {
	if b.Set == nil {
		b.Set = make(map[string][]byte)
	}
	b.Set[key] = value
}

func (b *Batch) del(keys ...string) {
	b.Delete = append(b.Delete, keys...)
}

// Empty reports whether the batch has no writes
func (b *Batch) Empty() bool {
	return len(b.Set) == 0 && len(b.Delete) == 0
}

// Store is the key/value backend of the ESC cache. Apply must be atomic:
// readers observe either none or all of a batch.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
	Apply(ctx context.Context, b Batch) error
}

// MemoryStore keeps entries in process memory. Each Apply swaps in a new
// map, so reads never see a partially applied batch.
type MemoryStore struct {
	mu   sync.Mutex
	snap atomic.Pointer[map[string][]byte]
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	empty := map[string][]byte{}
	s.snap.Store(&empty)
	return s
}

// Get returns the value stored under key
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m := *s.snap.Load()
	v, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Keys returns the keys with the given prefix, sorted
func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m := *s.snap.Load()
	var keys []string
	for k := range m {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Apply replaces the whole map with a copy that has the batch applied
func (s *MemoryStore) Apply(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := maps.Clone(*s.snap.Load())
	for _, k := range b.Delete {
		delete(next, k)
	}
	for k, v := range b.Set {
		next[k] = append([]byte(nil), v...)
	}
	s.snap.Store(&next)
	return nil
}

// Scoped confines a store to keys under scope, so payers sharing one
// backend never see each other's codes.
func Scoped(s Store, scope string) Store {
	if scope == "" {
		return s
	}
	return &scopedStore{store: s, prefix: "payer:" + scope + ":"}
}

type scopedStore struct {
	store  Store
	prefix string
}

func (s *scopedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.store.Get(ctx, s.prefix+key)
}

func (s *scopedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.store.Keys(ctx, s.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, s.prefix)
	}
	return keys, nil
}

func (s *scopedStore) Apply(ctx context.Context, b Batch) error {
	var scoped Batch
	for k, v := range b.Set {
		scoped.set(s.prefix+k, v)
	}
	for _, k := range b.Delete {
		scoped.del(s.prefix + k)
	}
	return s.store.Apply(ctx, scoped)
}
