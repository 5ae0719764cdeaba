package lock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/txn"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Lookup resolves transaction ids to contexts. txn.Table implements it.
type Lookup interface {
	Lookup(id txn.ID) (*txn.Context, bool)
}

// Stats summarises lock manager activity.
type Stats struct {
	LocksHeld               int
	LocalDeadlocks          uint64
	RemoteDeadlocks         uint64
	Timeouts                uint64
	OverlapsWithoutDeadlock uint64
}

const (
	defaultLockTimeout = 10 * time.Second
	defaultSpin        = 100 * time.Millisecond
)

// Manager wraps a Table with deadlock detection.
type Manager struct {
	table   Table
	txs     Lookup
	detect  bool
	timeout time.Duration
	spin    time.Duration
	log     *zap.Logger
	onEvent func(Event)

	localDeadlocks  atomic.Uint64
	remoteDeadlocks atomic.Uint64
	timeouts        atomic.Uint64
	overlaps        atomic.Uint64

	deadlockCounter *prometheus.CounterVec
	timeoutCounter  prometheus.Counter
}

// EventKind classifies manager notifications.
type EventKind int

const (
	EventDeadlock EventKind = iota
	EventTimeout
)

// Event is reported to the hook installed with WithEventHook.
type Event struct {
	Kind   EventKind
	Tx     txn.ID
	Holder txn.ID
	Key    string
	Remote bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDeadlockDetection toggles detection. When disabled every conflict
// waits for the full timeout.
func WithDeadlockDetection(enabled bool) ManagerOption {
	return func(m *Manager) { m.detect = enabled }
}

// WithTimeout sets the lock acquisition timeout.
func WithTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithSpinDuration sets how long a single wait lasts before the manager
// looks for a deadlock again.
func WithSpinDuration(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.spin = d
		}
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithEventHook installs fn to observe deadlocks and timeouts.
func WithEventHook(fn func(Event)) ManagerOption {
	return func(m *Manager) { m.onEvent = fn }
}

// WithMetrics registers Prometheus collectors for the manager on reg.
func WithMetrics(reg prometheus.Registerer) ManagerOption {
	return func(m *Manager) {
		m.deadlockCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warptx_lock_deadlocks_total",
			Help: "Total number of deadlocks detected",
		}, []string{"scope"})
		m.timeoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warptx_lock_timeouts_total",
			Help: "Total number of lock acquisition timeouts",
		})
		held := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "warptx_locks_held",
			Help: "Current number of locked keys",
		}, func() float64 { return float64(m.table.Count()) })
		reg.MustRegister(m.deadlockCounter, m.timeoutCounter, held)
	}
}

// NewManager returns a Manager over table, resolving owners through txs.
func NewManager(table Table, txs Lookup, opts ...ManagerOption) *Manager {
	m := &Manager{
		table:   table,
		txs:     txs,
		detect:  true,
		timeout: defaultLockTimeout,
		spin:    defaultSpin,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.spin > m.timeout {
		m.spin = m.timeout
	}
	return m
}

// Acquire locks key on behalf of id and records it in the transaction's
// locked set. It fails with a *DeadlockError when id loses a deadlock and
// with a *TimeoutError when the timeout elapses first.
func (m *Manager) Acquire(ctx context.Context, key string, id txn.ID) error {
	tx, ok := m.txs.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", warperrors.ErrUnknownTx, id)
	}
	if !m.detect {
		err := m.table.Acquire(ctx, key, id, m.timeout)
		if err == nil {
			tx.AddLockedKey(key)
			return nil
		}
		var te *TimeoutError
		if errors.As(err, &te) {
			te.Timeout = m.timeout
			m.timedOut(te, tx)
		}
		return err
	}

	tx.SetIntention(key)
	defer tx.ClearIntention()

	// overlapped records that the holder was itself waiting on some other
	// key; it is counted once when the call ends without a deadlock.
	overlapped := false
	defer func() {
		if overlapped {
			m.overlaps.Add(1)
		}
	}()

	deadline := time.Now().Add(m.timeout)
	for {
		wait := min(m.spin, time.Until(deadline))
		err := m.table.Acquire(ctx, key, id, wait)
		if err == nil {
			tx.AddLockedKey(key)
			m.log.Debug("lock acquired", zap.String("key", key), zap.Stringer("tx", id))
			return nil
		}
		var te *TimeoutError
		if !errors.As(err, &te) {
			return err
		}
		if holder, ok := m.txs.Lookup(te.Holder); ok {
			cycle, waiting := waitsOn(tx, holder)
			if cycle {
				overlapped = false
				if id.Compare(te.Holder) > 0 {
					return m.deadlocked(tx, holder, key)
				}
				m.log.Debug("deadlock winner waiting", zap.String("key", key), zap.Stringer("tx", id), zap.Stringer("holder", te.Holder))
			} else if waiting {
				overlapped = true
			}
		}
		if !time.Now().Before(deadline) {
			te.Timeout = m.timeout
			m.timedOut(te, tx)
			return te
		}
	}
}

// waitsOn reports whether holder is blocked on a key tx holds on this node,
// and whether holder is blocked at all.
func waitsOn(tx, holder *txn.Context) (cycle, waiting bool) {
	want, ok := holder.Intention()
	if !ok {
		return false, false
	}
	return tx.HoldsLock(want), true
}

func (m *Manager) deadlocked(tx, holder *txn.Context, key string) error {
	remote := tx.IsRemote() || holder.IsRemote()
	scope := "local"
	if remote {
		m.remoteDeadlocks.Add(1)
		scope = "remote"
	} else {
		m.localDeadlocks.Add(1)
	}
	if m.deadlockCounter != nil {
		m.deadlockCounter.WithLabelValues(scope).Inc()
	}
	m.log.Warn("deadlock detected",
		zap.String("key", key),
		zap.Stringer("tx", tx.ID()),
		zap.Stringer("holder", holder.ID()),
		zap.String("scope", scope))
	if m.onEvent != nil {
		m.onEvent(Event{Kind: EventDeadlock, Tx: tx.ID(), Holder: holder.ID(), Key: key, Remote: remote})
	}
	return &DeadlockError{Requester: tx.ID(), Holder: holder.ID(), Key: key}
}

func (m *Manager) timedOut(te *TimeoutError, tx *txn.Context) {
	m.timeouts.Add(1)
	if m.timeoutCounter != nil {
		m.timeoutCounter.Inc()
	}
	m.log.Warn("lock timeout", zap.String("key", te.Key), zap.Stringer("tx", te.Tx), zap.Stringer("holder", te.Holder))
	if m.onEvent != nil {
		m.onEvent(Event{Kind: EventTimeout, Tx: te.Tx, Holder: te.Holder, Key: te.Key, Remote: tx.IsRemote()})
	}
}

// Release frees key held by id and forgets it in the transaction's set.
func (m *Manager) Release(key string, id txn.ID) error {
	if err := m.table.Release(key, id); err != nil {
		m.log.Error("invalid release", zap.String("key", key), zap.Stringer("tx", id), zap.Error(err))
		return err
	}
	if tx, ok := m.txs.Lookup(id); ok {
		tx.RemoveLockedKey(key)
	}
	return nil
}

// ReleaseAll frees every key in the transaction's locked set. Calling it
// again after the set is empty does nothing.
func (m *Manager) ReleaseAll(id txn.ID) error {
	tx, ok := m.txs.Lookup(id)
	if !ok {
		return nil
	}
	var errs []error
	for _, key := range tx.LockedKeys() {
		if err := m.Release(key, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsLocked reports whether key is held by any transaction.
func (m *Manager) IsLocked(key string) bool { return m.table.IsLocked(key) }

// Owner returns the holder of key.
func (m *Manager) Owner(key string) (txn.ID, bool) { return m.table.Owner(key) }

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		LocksHeld:               m.table.Count(),
		LocalDeadlocks:          m.localDeadlocks.Load(),
		RemoteDeadlocks:         m.remoteDeadlocks.Load(),
		Timeouts:                m.timeouts.Load(),
		OverlapsWithoutDeadlock: m.overlaps.Load(),
	}
}

// ResetStats zeroes the counters.
func (m *Manager) ResetStats() {
	m.localDeadlocks.Store(0)
	m.remoteDeadlocks.Store(0)
	m.timeouts.Store(0)
	m.overlaps.Store(0)
}
