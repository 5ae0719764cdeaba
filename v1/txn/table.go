package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"go.uber.org/zap"
)

var transitions = map[State][]State{
	Active:    {Preparing, RolledBack},
	Preparing: {Committed, RolledBack},
}

// Table maps transaction ids to contexts, split into local and remote sets.
type Table struct {
	node string
	seq  atomic.Uint64
	log  *zap.Logger

	mu     sync.RWMutex
	local  map[ID]*Context
	remote map[ID]*Context
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithLogger sets the logger used to report invariant violations.
func WithLogger(l *zap.Logger) TableOption {
	return func(t *Table) {
		if l != nil {
			t.log = l
		}
	}
}

// NewTable returns an empty table for node. Local ids are allocated with node
// as their Node field.
func NewTable(node string, opts ...TableOption) *Table {
	t := &Table{
		node:   node,
		log:    zap.NewNop(),
		local:  make(map[ID]*Context),
		remote: make(map[ID]*Context),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Node returns the node name the table allocates ids for.
func (t *Table) Node() string { return t.node }

// Begin allocates a fresh local id and registers it.
func (t *Table) Begin() *Context {
	id := ID{Node: t.node, Seq: t.seq.Add(1)}
	c := newContext(id, Local)
	t.mu.Lock()
	t.local[id] = c
	t.mu.Unlock()
	return c
}

// Register adds a context for id. Registering an id twice is an error.
func (t *Table) Register(id ID, origin Origin) (*Context, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.local[id]; ok {
		return nil, fmt.Errorf("txn: %s already registered", id)
	}
	if _, ok := t.remote[id]; ok {
		return nil, fmt.Errorf("txn: %s already registered", id)
	}
	c := newContext(id, origin)
	if origin == Remote {
		t.remote[id] = c
	} else {
		t.local[id] = c
	}
	return c, nil
}

// GetOrRegisterRemote returns the remote context for id, creating it on first
// sight. The boolean reports whether it was created.
func (t *Table) GetOrRegisterRemote(id ID) (*Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.remote[id]; ok {
		return c, false
	}
	c := newContext(id, Remote)
	t.remote[id] = c
	return c, true
}

// Lookup finds a context in either set.
func (t *Table) Lookup(id ID) (*Context, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.local[id]; ok {
		return c, true
	}
	c, ok := t.remote[id]
	return c, ok
}

// RecordLockedKey adds key to the locked set of id.
func (t *Table) RecordLockedKey(id ID, key string) error {
	c, ok := t.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", warperrors.ErrUnknownTx, id)
	}
	c.AddLockedKey(key)
	return nil
}

// MarkState moves id to state. Repeating the current state is a no-op; any
// other move outside the state machine is an invariant violation.
func (t *Table) MarkState(id ID, state State) error {
	c, ok := t.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", warperrors.ErrUnknownTx, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == state {
		return nil
	}
	for _, next := range transitions[c.state] {
		if next == state {
			c.state = state
			return nil
		}
	}
	err := warperrors.Invariant("txn %s: illegal transition %s -> %s", id, c.state, state)
	t.log.Error("illegal state transition", zap.Stringer("tx", id), zap.Error(err))
	return err
}

// Remove drops a finished transaction. The transaction must not hold locks.
func (t *Table) Remove(id ID) error {
	c, ok := t.Lookup(id)
	if !ok {
		return nil
	}
	if st := c.State(); !st.Finished() {
		err := warperrors.Invariant("txn %s: remove in state %s", id, st)
		t.log.Error("remove of unfinished transaction", zap.Stringer("tx", id), zap.Error(err))
		return err
	}
	if n := c.NumLocks(); n > 0 {
		err := warperrors.Invariant("txn %s: remove while holding %d locks", id, n)
		t.log.Error("remove of transaction holding locks", zap.Stringer("tx", id), zap.Strings("keys", c.LockedKeys()), zap.Error(err))
		return err
	}
	t.mu.Lock()
	delete(t.local, id)
	delete(t.remote, id)
	t.mu.Unlock()
	return nil
}

// LocalCount returns the number of local transactions.
func (t *Table) LocalCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.local)
}

// RemoteCount returns the number of remote transactions.
func (t *Table) RemoteCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.remote)
}

// Remotes returns a snapshot of the remote contexts.
func (t *Table) Remotes() []*Context {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Context, 0, len(t.remote))
	for _, c := range t.remote {
		out = append(out, c)
	}
	return out
}
