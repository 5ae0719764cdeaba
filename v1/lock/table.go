package lock

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/txn"
)

// Table is an exclusive lock registry keyed by cache key.
type Table interface {
	// Acquire obtains key for owner, waiting at most timeout. Acquiring a
	// key already owned by owner succeeds immediately.
	Acquire(ctx context.Context, key string, owner txn.ID, timeout time.Duration) error
	// Release frees key. Releasing an unlocked key is a no-op; releasing a
	// key held by someone else is an invariant violation.
	Release(key string, owner txn.ID) error
	IsLocked(key string) bool
	Owner(key string) (txn.ID, bool)
	// Count returns the number of locked keys.
	Count() int
}

type entry struct {
	owner  txn.ID
	notify chan struct{}
}

type segment struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// InMemory implements Table. With a single segment every key has its own
// entry under one mutex; striped tables spread keys over several segments.
type InMemory struct {
	segs []*segment
	mask uint64
}

// NewInMemory returns a non-striped table.
func NewInMemory() *InMemory {
	return newTable(1)
}

// NewStriped returns a table with concurrency segments, rounded up to a
// power of two.
func NewStriped(concurrency int) *InMemory {
	n := 1
	for n < concurrency {
		n <<= 1
	}
	return newTable(n)
}

func newTable(n int) *InMemory {
	t := &InMemory{segs: make([]*segment, n), mask: uint64(n - 1)}
	for i := range t.segs {
		t.segs[i] = &segment{entries: make(map[string]*entry)}
	}
	return t
}

// Segments returns the number of lock segments.
func (t *InMemory) Segments() int { return len(t.segs) }

func (t *InMemory) segmentFor(key string) *segment {
	if len(t.segs) == 1 {
		return t.segs[0]
	}
	return t.segs[xxhash.Sum64String(key)&t.mask]
}

// Acquire implements Table.Acquire.
func (t *InMemory) Acquire(ctx context.Context, key string, owner txn.ID, timeout time.Duration) error {
	s := t.segmentFor(key)
	var timer *time.Timer
	for {
		s.mu.Lock()
		e, ok := s.entries[key]
		if !ok {
			s.entries[key] = &entry{owner: owner, notify: make(chan struct{})}
			s.mu.Unlock()
			return nil
		}
		if e.owner == owner {
			s.mu.Unlock()
			return nil
		}
		ch, holder := e.notify, e.owner
		s.mu.Unlock()

		if timeout <= 0 {
			return &TimeoutError{Tx: owner, Holder: holder, Key: key, Timeout: timeout}
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-ch:
		case <-timer.C:
			return &TimeoutError{Tx: owner, Holder: holder, Key: key, Timeout: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release implements Table.Release.
func (t *InMemory) Release(key string, owner txn.ID) error {
	s := t.segmentFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.owner != owner {
		return warperrors.Invariant("release of %q by %s, held by %s", key, owner, e.owner)
	}
	close(e.notify)
	delete(s.entries, key)
	return nil
}

// IsLocked implements Table.IsLocked.
func (t *InMemory) IsLocked(key string) bool {
	_, ok := t.Owner(key)
	return ok
}

// Owner implements Table.Owner.
func (t *InMemory) Owner(key string) (txn.ID, bool) {
	s := t.segmentFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.owner, true
	}
	return txn.ID{}, false
}

// Count implements Table.Count.
func (t *InMemory) Count() int {
	n := 0
	for _, s := range t.segs {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
