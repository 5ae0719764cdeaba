package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/warp-tx/v1/adapter"
	"github.com/mirkobrombin/warp-tx/v1/cache"
	"github.com/mirkobrombin/warp-tx/v1/config"
	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/metrics"
	"github.com/mirkobrombin/warp-tx/v1/txn"
	"github.com/mirkobrombin/warp-tx/v1/watchbus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newStandalone(t *testing.T, opts ...Option[string]) *Node[string] {
	t.Helper()
	n, err := New[string](opts...)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func fastConfig(opts ...config.Option) config.Config {
	base := []config.Option{
		config.WithSpinDuration(10 * time.Millisecond),
		config.WithLockAcquisitionTimeout(2 * time.Second),
	}
	return config.New(append(base, opts...)...)
}

func TestNodeGeneratesID(t *testing.T) {
	n := newStandalone(t)
	if n.ID() == "" {
		t.Fatal("expected generated node id")
	}
	if n.TxTable().Node() != n.ID() {
		t.Fatalf("table node %q != %q", n.TxTable().Node(), n.ID())
	}
}

func TestNodeRejectsInvalidConfig(t *testing.T) {
	if _, err := New[string](WithConfig[string](config.New(config.WithCommitTimeout(0)))); err == nil {
		t.Fatal("expected config error")
	}
}

func TestTxReadYourWrites(t *testing.T) {
	ctx := context.Background()
	n := newStandalone(t, WithNodeID[string]("A"))
	tx, err := n.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Put(ctx, "k", "v1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if v, ok, _ := tx.Get(ctx, "k"); !ok || v != "v1" {
		t.Fatalf("tx get: %q %v", v, ok)
	}
	if _, ok, _ := n.Get(ctx, "k"); ok {
		t.Fatal("uncommitted write visible outside the transaction")
	}
	if !n.IsLocked("k") {
		t.Fatal("expected key locked while the transaction runs")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if v, ok, _ := n.Get(ctx, "k"); !ok || v != "v1" {
		t.Fatalf("get after commit: %q %v", v, ok)
	}
	if n.IsLocked("k") {
		t.Fatal("lock not released by commit")
	}
	if tx.State() != txn.Committed {
		t.Fatalf("expected committed, got %s", tx.State())
	}
	if n.TxTable().LocalCount() != 0 {
		t.Fatalf("expected empty table, got %d", n.TxTable().LocalCount())
	}
	if err := tx.Commit(ctx); !errors.Is(err, warperrors.ErrTxNotActive) {
		t.Fatalf("second commit: expected not active, got %v", err)
	}
}

func TestTxRollbackDiscards(t *testing.T) {
	ctx := context.Background()
	n := newStandalone(t)
	if err := n.Put(ctx, "k", "old"); err != nil {
		t.Fatalf("put: %v", err)
	}
	tx, _ := n.Begin(ctx)
	_ = tx.Put(ctx, "k", "new")
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("second rollback: %v", err)
	}
	if v, _, _ := n.Get(ctx, "k"); v != "old" {
		t.Fatalf("expected old, got %q", v)
	}
	if n.IsLocked("k") || n.TxTable().LocalCount() != 0 {
		t.Fatal("rollback left state behind")
	}
}

func TestTxLockTimeoutForcesRollback(t *testing.T) {
	ctx := context.Background()
	n := newStandalone(t, WithConfig[string](fastConfig(config.WithLockAcquisitionTimeout(100*time.Millisecond))))
	holder, _ := n.Begin(ctx)
	if err := holder.Put(ctx, "k", "h"); err != nil {
		t.Fatalf("holder put: %v", err)
	}
	waiter, _ := n.Begin(ctx)
	if err := waiter.Put(ctx, "other", "w"); err != nil {
		t.Fatalf("waiter put: %v", err)
	}
	err := waiter.Put(ctx, "k", "w")
	if !errors.Is(err, warperrors.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if waiter.State() != txn.RolledBack {
		t.Fatalf("expected forced rollback, got %s", waiter.State())
	}
	if n.IsLocked("other") {
		t.Fatal("forced rollback kept a lock")
	}
	if err := holder.Commit(ctx); err != nil {
		t.Fatalf("holder commit: %v", err)
	}
	if n.Stats().Timeouts != 1 {
		t.Fatalf("expected 1 timeout, got %d", n.Stats().Timeouts)
	}
}

func TestLocalDeadlockExactlyOneLoser(t *testing.T) {
	ctx := context.Background()
	n := newStandalone(t, WithNodeID[string]("A"), WithConfig[string](fastConfig()))
	t1, _ := n.Begin(ctx)
	t2, _ := n.Begin(ctx)
	if err := t1.Put(ctx, "a", "t1"); err != nil {
		t.Fatalf("t1 put a: %v", err)
	}
	if err := t2.Put(ctx, "b", "t2"); err != nil {
		t.Fatalf("t2 put b: %v", err)
	}

	var wg sync.WaitGroup
	var err1, err2 error
	wg.Add(2)
	go func() { defer wg.Done(); err1 = t1.Put(ctx, "b", "t1") }()
	go func() { defer wg.Done(); err2 = t2.Put(ctx, "a", "t2") }()
	wg.Wait()

	if errors.Is(err1, warperrors.ErrDeadlockDetected) == errors.Is(err2, warperrors.ErrDeadlockDetected) {
		t.Fatalf("expected exactly one deadlock, got %v / %v", err1, err2)
	}
	// t2 has the greater id and must lose
	if !errors.Is(err2, warperrors.ErrDeadlockDetected) || err1 != nil {
		t.Fatalf("expected t2 to lose, got %v / %v", err1, err2)
	}
	if err := t1.Commit(ctx); err != nil {
		t.Fatalf("winner commit: %v", err)
	}
	for _, k := range []string{"a", "b"} {
		if v, _, _ := n.Get(ctx, k); v != "t1" {
			t.Fatalf("%s = %q, want t1", k, v)
		}
		if n.IsLocked(k) {
			t.Fatalf("%s still locked", k)
		}
	}
	if s := n.Stats(); s.LocalDeadlocks != 1 || s.RemoteDeadlocks != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestWriteThroughAndWarmup(t *testing.T) {
	ctx := context.Background()
	store := adapter.NewInMemoryStore[string]()
	n := newStandalone(t, WithStore[string](store))
	tx, _ := n.Begin(ctx)
	_ = tx.Put(ctx, "a", "1")
	_ = tx.Put(ctx, "b", "2")
	_ = tx.Put(ctx, "a", "3")
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if store.Commits() != 1 {
		t.Fatalf("expected one batch, got %d", store.Commits())
	}
	if v, _, _ := store.Get(ctx, "a"); v != "3" {
		t.Fatalf("store a = %q", v)
	}

	fresh := newStandalone(t, WithStore[string](store))
	if err := fresh.Warmup(ctx); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	if v, ok, _ := fresh.Get(ctx, "b"); !ok || v != "2" {
		t.Fatalf("warm b = %q %v", v, ok)
	}
}

func TestEventsAndMetrics(t *testing.T) {
	ctx := context.Background()
	bus := watchbus.NewInMemory()
	ch, err := bus.Watch(ctx, "")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	reg := prometheus.NewRegistry()
	n := newStandalone(t, WithNodeID[string]("metrics-node"), WithWatchBus[string](bus), WithMetrics[string](reg))

	before := testutil.ToFloat64(metrics.CommitCounter.WithLabelValues("metrics-node", "local"))
	if err := n.Put(ctx, "k", "v"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if got := testutil.ToFloat64(metrics.CommitCounter.WithLabelValues("metrics-node", "local")); got != before+1 {
		t.Fatalf("commit counter %v, want %v", got, before+1)
	}
	for _, want := range []watchbus.EventType{watchbus.EventBegin, watchbus.EventCommit} {
		select {
		case ev := <-ch:
			if ev.Type != want || ev.Node != "metrics-node" {
				t.Fatalf("unexpected event %+v, want %s", ev, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
	// a second node on the same registry must not collide
	newStandalone(t, WithNodeID[string]("metrics-node-2"), WithMetrics[string](reg))
}

func TestClosedNode(t *testing.T) {
	n, err := New[string]()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = n.Close()
	_ = n.Close()
	if _, err := n.Begin(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}

func TestRistrettoContainer(t *testing.T) {
	ctx := context.Background()
	rc, err := cache.NewRistretto[string]()
	if err != nil {
		t.Fatalf("ristretto: %v", err)
	}
	t.Cleanup(rc.Close)
	n := newStandalone(t, WithContainer[string](rc))
	if err := n.Put(ctx, "k", "v"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if v, ok, _ := n.Get(ctx, "k"); !ok || v != "v" {
		t.Fatalf("get: %q %v", v, ok)
	}
}
