// Package core ties the lock manager, transaction table and replication
// pipeline into a transactional cache node.
//
// A Node buffers a transaction's writes while holding their key locks. On
// commit the writes are applied locally and, when the node has peers,
// forwarded to every peer followed by the outcome. Peers apply the same
// commands under the same locking and deadlock rules, so a pair of
// conflicting transactions is resolved on whichever node sees the conflict.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"github.com/mirkobrombin/warp-tx/v1/adapter"
	"github.com/mirkobrombin/warp-tx/v1/cache"
	"github.com/mirkobrombin/warp-tx/v1/config"
	"github.com/mirkobrombin/warp-tx/v1/lock"
	"github.com/mirkobrombin/warp-tx/v1/metrics"
	"github.com/mirkobrombin/warp-tx/v1/pipeline"
	"github.com/mirkobrombin/warp-tx/v1/transport"
	"github.com/mirkobrombin/warp-tx/v1/txn"
	"github.com/mirkobrombin/warp-tx/v1/watchbus"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/mirkobrombin/warp-tx/v1/core")

// Node is one member of a replicated transactional cache.
type Node[T any] struct {
	id        string
	cfg       config.Config
	log       *zap.Logger
	txs       *txn.Table
	locks     *lock.Manager
	container cache.Cache[T]
	ownsData  bool
	codec     cache.Codec
	store     adapter.Store[T]
	tr        transport.Transport
	events    watchbus.WatchBus
	reg       prometheus.Registerer
	tombs     *cache.InMemoryCache[txn.State]
	acks      *ackRegistry
	stages    []pipeline.Stage
	chain     *pipeline.Chain
	inbound   *dispatcher[T]

	closed    atomic.Bool
	closeOnce sync.Once
}

// Option configures a Node.
type Option[T any] func(*Node[T])

// WithNodeID sets the node name. It must match the transport's local node.
func WithNodeID[T any](id string) Option[T] {
	return func(n *Node[T]) { n.id = id }
}

// WithConfig replaces the default configuration.
func WithConfig[T any](cfg config.Config) Option[T] {
	return func(n *Node[T]) { n.cfg = cfg }
}

// WithTransport connects the node to its peers. Without a transport the
// node runs standalone.
func WithTransport[T any](t transport.Transport) Option[T] {
	return func(n *Node[T]) { n.tr = t }
}

// WithContainer sets the cache holding committed values. The node does not
// close a container supplied this way.
func WithContainer[T any](c cache.Cache[T]) Option[T] {
	return func(n *Node[T]) { n.container = c }
}

// WithCodec sets the codec used to put values on the wire. Every node of a
// cluster must use the same codec.
func WithCodec[T any](c cache.Codec) Option[T] {
	return func(n *Node[T]) { n.codec = c }
}

// WithStore writes committed values through to s.
func WithStore[T any](s adapter.Store[T]) Option[T] {
	return func(n *Node[T]) { n.store = s }
}

// WithLogger sets the logger.
func WithLogger[T any](l *zap.Logger) Option[T] {
	return func(n *Node[T]) {
		if l != nil {
			n.log = l
		}
	}
}

// WithMetrics registers node and lock metrics on reg.
func WithMetrics[T any](reg prometheus.Registerer) Option[T] {
	return func(n *Node[T]) { n.reg = reg }
}

// WithWatchBus publishes transaction lifecycle events to bus.
func WithWatchBus[T any](bus watchbus.WatchBus) Option[T] {
	return func(n *Node[T]) { n.events = bus }
}

// WithStages prepends stages to the pipeline. They see every command,
// local and inbound, before the transaction stage.
func WithStages[T any](stages ...pipeline.Stage) Option[T] {
	return func(n *Node[T]) { n.stages = append(n.stages, stages...) }
}

// New builds a node and, when a transport is set, starts listening.
func New[T any](opts ...Option[T]) (*Node[T], error) {
	n := &Node[T]{
		cfg:   config.Default(),
		log:   zap.NewNop(),
		codec: cache.JSONCodec{},
		acks:  newAckRegistry(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if err := n.cfg.Validate(); err != nil {
		return nil, err
	}
	if n.tr != nil {
		if n.id == "" {
			n.id = n.tr.LocalNode()
		} else if n.id != n.tr.LocalNode() {
			return nil, fmt.Errorf("warptx: node id %q does not match transport node %q", n.id, n.tr.LocalNode())
		}
	}
	if n.id == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			return nil, err
		}
		n.id = id
	}
	n.log = n.log.With(zap.String("node", n.id))
	if n.container == nil {
		n.container = cache.NewInMemory[T]()
		n.ownsData = true
	}

	n.txs = txn.NewTable(n.id, txn.WithLogger(n.log.Named("txn")))
	var table lock.Table = lock.NewInMemory()
	if n.cfg.UseLockStriping {
		table = lock.NewStriped(n.cfg.ConcurrencyLevel)
	}
	lockOpts := []lock.ManagerOption{
		lock.WithDeadlockDetection(n.cfg.DeadlockDetection),
		lock.WithTimeout(n.cfg.LockAcquisitionTimeout),
		lock.WithSpinDuration(n.cfg.SpinDuration),
		lock.WithManagerLogger(n.log.Named("lock")),
		lock.WithEventHook(n.lockEvent),
	}
	if n.reg != nil {
		if err := registerCoreMetrics(n.reg); err != nil {
			return nil, err
		}
		lockOpts = append(lockOpts, lock.WithMetrics(prometheus.WrapRegistererWith(prometheus.Labels{"node": n.id}, n.reg)))
	}
	n.locks = lock.NewManager(table, n.txs, lockOpts...)
	n.tombs = cache.NewInMemory[txn.State](cache.WithSweepInterval[txn.State](n.cfg.TombstoneTTL))

	stages := append([]pipeline.Stage(nil), n.stages...)
	stages = append(stages,
		&pipeline.TxStage{
			Table:        n.txs,
			Tombstones:   n.tombs,
			TombstoneTTL: n.cfg.TombstoneTTL,
			Log:          n.log.Named("txn"),
			OnBegin:      n.began,
			OnFinish:     n.finished,
		},
		&replicationStage[T]{n: n, log: n.log.Named("replication")},
		&pipeline.LockingStage{Locks: n.locks},
		&entryStage[T]{n: n},
	)
	n.chain = pipeline.NewChain(stages...)

	if n.tr != nil {
		n.inbound = newDispatcher(n)
		if err := n.tr.Listen(n.inbound.handle); err != nil {
			n.tombs.Close()
			return nil, fmt.Errorf("warptx: listen: %w", err)
		}
	}
	n.log.Info("node started", zap.Bool("deadlock_detection", n.cfg.DeadlockDetection), zap.Int("peers", len(n.peers())))
	return n, nil
}

func registerCoreMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		metrics.CommitCounter, metrics.RollbackCounter, metrics.ActiveTxGauge, metrics.RemoteApplyFailures,
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// ID returns the node name.
func (n *Node[T]) ID() string { return n.id }

// Config returns the node configuration.
func (n *Node[T]) Config() config.Config { return n.cfg }

// LockManager exposes the node's lock manager.
func (n *Node[T]) LockManager() *lock.Manager { return n.locks }

// TxTable exposes the node's transaction table.
func (n *Node[T]) TxTable() *txn.Table { return n.txs }

// IsLocked reports whether key is locked on this node.
func (n *Node[T]) IsLocked(key string) bool { return n.locks.IsLocked(key) }

// Stats returns the lock manager statistics.
func (n *Node[T]) Stats() lock.Stats { return n.locks.Stats() }

func (n *Node[T]) peers() []string {
	if n.tr == nil {
		return nil
	}
	return n.tr.Peers()
}

// Begin starts a local transaction.
func (n *Node[T]) Begin(ctx context.Context) (*Tx[T], error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	tc := n.txs.Begin()
	n.began(tc)
	return &Tx[T]{n: n, tc: tc}, nil
}

// Put writes key in its own transaction.
func (n *Node[T]) Put(ctx context.Context, key string, value T) error {
	tx, err := n.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.Put(ctx, key, value); err != nil {
		if tx.State() == txn.Active {
			_ = tx.Rollback(ctx)
		}
		return err
	}
	return tx.Commit(ctx)
}

// Get returns the committed value of key.
func (n *Node[T]) Get(ctx context.Context, key string) (T, bool, error) {
	return n.container.Get(ctx, key)
}

// Warmup loads every key of the store into the container.
func (n *Node[T]) Warmup(ctx context.Context) error {
	if n.store == nil {
		return nil
	}
	keys, err := n.store.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		v, ok, err := n.store.Get(ctx, k)
		if err != nil {
			return err
		}
		if ok {
			if err := n.container.Set(ctx, k, v, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// Remotes lists the live remote transaction contexts.
func (n *Node[T]) Remotes() []*txn.Context { return n.txs.Remotes() }

// RollbackRemote rolls back a remote transaction on this node. The
// rollback is queued behind commands already received for it.
func (n *Node[T]) RollbackRemote(ctx context.Context, id txn.ID) error {
	if _, ok := n.txs.Lookup(id); !ok {
		return nil
	}
	cmd := pipeline.Command{Kind: pipeline.Rollback, Tx: id, Origin: id.Node}
	if n.inbound != nil {
		n.inbound.enqueue(n.id, cmd)
		return nil
	}
	return n.chain.Invoke(ctx, &pipeline.Invocation{From: n.id}, &cmd)
}

// Close stops inbound processing and releases node resources. Live
// transactions are left as they are.
func (n *Node[T]) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		if n.tr != nil {
			err = n.tr.Close()
		}
		if n.inbound != nil {
			n.inbound.close()
		}
		n.tombs.Close()
		if c, ok := n.container.(interface{ Close() }); ok && n.ownsData {
			c.Close()
		}
		n.log.Info("node stopped")
	})
	return err
}

func (n *Node[T]) began(tc *txn.Context) {
	n.updateGauges()
	n.publish(watchbus.Event{Type: watchbus.EventBegin, Tx: tc.ID().String(), Remote: tc.IsRemote()})
}

func (n *Node[T]) finished(tc *txn.Context, st txn.State) {
	origin := tc.Origin().String()
	typ := watchbus.EventCommit
	if st == txn.Committed {
		metrics.CommitCounter.WithLabelValues(n.id, origin).Inc()
	} else {
		typ = watchbus.EventRollback
		metrics.RollbackCounter.WithLabelValues(n.id, origin).Inc()
	}
	n.updateGauges()
	n.publish(watchbus.Event{Type: typ, Tx: tc.ID().String(), Remote: tc.IsRemote()})
}

func (n *Node[T]) lockEvent(ev lock.Event) {
	typ := watchbus.EventDeadlock
	if ev.Kind == lock.EventTimeout {
		typ = watchbus.EventTimeout
	}
	n.publish(watchbus.Event{Type: typ, Tx: ev.Tx.String(), Key: ev.Key, Remote: ev.Remote})
}

func (n *Node[T]) updateGauges() {
	metrics.ActiveTxGauge.WithLabelValues(n.id, txn.Local.String()).Set(float64(n.txs.LocalCount()))
	metrics.ActiveTxGauge.WithLabelValues(n.id, txn.Remote.String()).Set(float64(n.txs.RemoteCount()))
}

func (n *Node[T]) publish(ev watchbus.Event) {
	if n.events == nil {
		return
	}
	ev.Node = n.id
	ev.At = time.Now()
	if err := n.events.Publish(context.Background(), ev); err != nil {
		n.log.Debug("event publish failed", zap.Error(err))
	}
}
