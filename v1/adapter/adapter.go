// Package adapter connects a node to an external store that receives
// committed values. Stores are written after the local commit, one batch per
// transaction when the store supports batching.
package adapter

import (
	"context"
	"sort"
	"sync"
)

// Store is the system of record behind a node.
type Store[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Set(ctx context.Context, key string, value T) error
	// Keys lists stored keys. Nodes use it to warm their container.
	Keys(ctx context.Context) ([]string, error)
}

// Batch groups writes that are applied together by Commit.
type Batch[T any] interface {
	Set(ctx context.Context, key string, value T) error
	Delete(ctx context.Context, key string) error
	Commit(ctx context.Context) error
}

// Batcher is implemented by stores that support batches.
type Batcher[T any] interface {
	Batch(ctx context.Context) (Batch[T], error)
}

// Entry is one committed write.
type Entry[T any] struct {
	Key   string
	Value T
}

// WriteCommitted writes entries to s in order, as a single batch when s is
// a Batcher.
func WriteCommitted[T any](ctx context.Context, s Store[T], entries []Entry[T]) error {
	if len(entries) == 0 {
		return nil
	}
	if b, ok := s.(Batcher[T]); ok {
		batch, err := b.Batch(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := batch.Set(ctx, e.Key, e.Value); err != nil {
				return err
			}
		}
		return batch.Commit(ctx)
	}
	for _, e := range entries {
		if err := s.Set(ctx, e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

// InMemoryStore is a map-backed Store.
type InMemoryStore[T any] struct {
	mu      sync.RWMutex
	items   map[string]T
	commits int
}

// NewInMemoryStore returns an empty InMemoryStore.
func NewInMemoryStore[T any]() *InMemoryStore[T] {
	return &InMemoryStore[T]{items: make(map[string]T)}
}

// Get implements Store.Get.
func (s *InMemoryStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

// Set implements Store.Set.
func (s *InMemoryStore[T]) Set(ctx context.Context, key string, value T) error {
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
	return nil
}

// Keys implements Store.Keys. Keys are sorted.
func (s *InMemoryStore[T]) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

// Commits returns how many batches were committed.
func (s *InMemoryStore[T]) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// Batch implements Batcher.Batch.
func (s *InMemoryStore[T]) Batch(ctx context.Context) (Batch[T], error) {
	return &inMemoryBatch[T]{s: s}, nil
}

type op[T any] struct {
	key    string
	value  T
	delete bool
}

type inMemoryBatch[T any] struct {
	s   *InMemoryStore[T]
	ops []op[T]
}

func (b *inMemoryBatch[T]) Set(ctx context.Context, key string, value T) error {
	b.ops = append(b.ops, op[T]{key: key, value: value})
	return nil
}

func (b *inMemoryBatch[T]) Delete(ctx context.Context, key string) error {
	b.ops = append(b.ops, op[T]{key: key, delete: true})
	return nil
}

func (b *inMemoryBatch[T]) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	for _, o := range b.ops {
		if o.delete {
			delete(b.s.items, o.key)
		} else {
			b.s.items[o.key] = o.value
		}
	}
	b.s.commits++
	return nil
}
