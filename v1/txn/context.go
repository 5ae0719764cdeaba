package txn

import (
	"sort"
	"sync"
	"time"
)

// Origin tells whether a context was started locally or mirrors a peer's
// transaction.
type Origin int

const (
	Local Origin = iota
	Remote
)

func (o Origin) String() string {
	if o == Remote {
		return "remote"
	}
	return "local"
}

// State is the coordinator state of a transaction.
type State int

const (
	Active State = iota
	Preparing
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Preparing:
		return "PREPARING"
	case Committed:
		return "COMMITTED"
	case RolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// Finished reports whether s is terminal.
func (s State) Finished() bool { return s == Committed || s == RolledBack }

// Modification is a buffered write waiting for commit.
type Modification struct {
	Key   string
	Value []byte
}

// Context is the per-transaction record kept by a Table.
type Context struct {
	id      ID
	origin  Origin
	created time.Time

	mu         sync.Mutex
	state      State
	locked     map[string]struct{}
	intention  string
	waiting    bool
	mods       []Modification
	replicated bool
	lastActive time.Time
}

func newContext(id ID, origin Origin) *Context {
	now := time.Now()
	return &Context{
		id:         id,
		origin:     origin,
		created:    now,
		lastActive: now,
		locked:     make(map[string]struct{}),
	}
}

func (c *Context) ID() ID             { return c.id }
func (c *Context) Origin() Origin     { return c.origin }
func (c *Context) IsRemote() bool     { return c.origin == Remote }
func (c *Context) Created() time.Time { return c.created }

// State returns the current state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LockedKeys returns a sorted snapshot of the keys held by the transaction.
func (c *Context) LockedKeys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.locked))
	for k := range c.locked {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// HoldsLock reports whether key is in the locked set.
func (c *Context) HoldsLock(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.locked[key]
	return ok
}

// NumLocks returns the size of the locked set.
func (c *Context) NumLocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locked)
}

// AddLockedKey records key as held.
func (c *Context) AddLockedKey(key string) {
	c.mu.Lock()
	c.locked[key] = struct{}{}
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// RemoveLockedKey drops key from the locked set. It reports whether the key
// was present.
func (c *Context) RemoveLockedKey(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.locked[key]; !ok {
		return false
	}
	delete(c.locked, key)
	return true
}

// SetIntention marks the transaction as waiting for key.
func (c *Context) SetIntention(key string) {
	c.mu.Lock()
	c.intention = key
	c.waiting = true
	c.mu.Unlock()
}

// ClearIntention marks the transaction as no longer waiting.
func (c *Context) ClearIntention() {
	c.mu.Lock()
	c.intention = ""
	c.waiting = false
	c.mu.Unlock()
}

// Intention returns the key the transaction is waiting for, if any.
func (c *Context) Intention() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intention, c.waiting
}

// AddModification appends a buffered write.
func (c *Context) AddModification(key string, value []byte) {
	c.mu.Lock()
	c.mods = append(c.mods, Modification{Key: key, Value: value})
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// Modifications returns the buffered writes in issue order.
func (c *Context) Modifications() []Modification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Modification(nil), c.mods...)
}

// Lookup returns the last buffered value for key.
func (c *Context) Lookup(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.mods) - 1; i >= 0; i-- {
		if c.mods[i].Key == key {
			return c.mods[i].Value, true
		}
	}
	return nil, false
}

// ClearModifications discards buffered writes.
func (c *Context) ClearModifications() {
	c.mu.Lock()
	c.mods = nil
	c.mu.Unlock()
}

// MarkReplicated records that writes were forwarded to peers.
func (c *Context) MarkReplicated() {
	c.mu.Lock()
	c.replicated = true
	c.mu.Unlock()
}

// Replicated reports whether writes were forwarded to peers.
func (c *Context) Replicated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replicated
}

// Touch refreshes the activity timestamp.
func (c *Context) Touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// LastActive returns the time of the last write or Touch.
func (c *Context) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}
