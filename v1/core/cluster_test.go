package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/warp-tx/v1/config"
	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/pipeline"
	"github.com/mirkobrombin/warp-tx/v1/transport"
	"github.com/mirkobrombin/warp-tx/v1/txn"
)

// inboundProbe records the result of every inbound Put per key.
type inboundProbe struct {
	mu      sync.Mutex
	results map[string]error
}

func newInboundProbe() *inboundProbe {
	return &inboundProbe{results: make(map[string]error)}
}

func (p *inboundProbe) Handle(ctx context.Context, inv *pipeline.Invocation, cmd *pipeline.Command, next pipeline.Next) error {
	err := next(ctx, inv, cmd)
	if !inv.OriginLocal && cmd.Kind == pipeline.Put {
		p.mu.Lock()
		p.results[cmd.Key] = err
		p.mu.Unlock()
	}
	return err
}

func (p *inboundProbe) result(t *testing.T, key string) error {
	t.Helper()
	for i := 0; i < 200; i++ {
		p.mu.Lock()
		err, ok := p.results[key]
		p.mu.Unlock()
		if ok {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no inbound put observed for %q", key)
	return nil
}

type cluster struct {
	net   *transport.Network
	nodes map[string]*Node[string]
}

func newCluster(t *testing.T, cfg config.Config, names []string, extra map[string][]Option[string]) *cluster {
	t.Helper()
	c := &cluster{net: transport.NewNetwork(), nodes: make(map[string]*Node[string])}
	eps := make(map[string]*transport.Endpoint, len(names))
	for _, name := range names {
		eps[name] = c.net.Join(name)
	}
	for _, name := range names {
		opts := append([]Option[string]{WithTransport[string](eps[name]), WithConfig[string](cfg)}, extra[name]...)
		n, err := New[string](opts...)
		if err != nil {
			t.Fatalf("node %s: %v", name, err)
		}
		c.nodes[name] = n
	}
	t.Cleanup(func() {
		for _, n := range c.nodes {
			_ = n.Close()
		}
		c.net.Close()
	})
	return c
}

// eventually polls cond with a bounded number of attempts.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	for i := 0; i < 300; i++ {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never met: %s", what)
}

func valueIs(n *Node[string], key, want string) func() bool {
	return func() bool {
		v, ok, err := n.Get(context.Background(), key)
		return err == nil && ok && v == want
	}
}

func quiescent(n *Node[string], keys ...string) func() bool {
	return func() bool {
		for _, k := range keys {
			if n.IsLocked(k) {
				return false
			}
		}
		return n.TxTable().LocalCount() == 0 && n.TxTable().RemoteCount() == 0
	}
}

func TestAsyncReplication(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, fastConfig(), []string{"A", "B", "C"}, nil)
	a := c.nodes["A"]
	if err := a.Put(ctx, "k", "v"); err != nil {
		t.Fatalf("put: %v", err)
	}
	for _, name := range []string{"B", "C"} {
		eventually(t, "value on "+name, valueIs(c.nodes[name], "k", "v"))
		eventually(t, "quiescence on "+name, quiescent(c.nodes[name], "k"))
	}
}

func TestReplicationPreservesWriteOrder(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, fastConfig(), []string{"A", "B"}, nil)
	a := c.nodes["A"]
	for i := 0; i < 20; i++ {
		if err := a.Put(ctx, "counter", fmt.Sprint(i)); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	eventually(t, "last write wins on B", valueIs(c.nodes["B"], "counter", "19"))
	eventually(t, "quiescence on B", quiescent(c.nodes["B"], "counter"))
}

func TestReadOnlyTransactionIsNotReplicated(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, fastConfig(), []string{"A", "B"}, nil)
	var sent int
	var mu sync.Mutex
	c.net.SetDropFunc(func(from, to string, cmd pipeline.Command) bool {
		mu.Lock()
		sent++
		mu.Unlock()
		return false
	})
	tx, _ := c.nodes["A"].Begin(ctx)
	if _, _, err := tx.Get(ctx, "missing"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if sent != 0 {
		t.Fatalf("expected no commands on the wire, got %d", sent)
	}
}

func TestSyncCommitWaitsForPeers(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig(config.WithSyncCommitPhase(true, true), config.WithCommitTimeout(2*time.Second))
	c := newCluster(t, cfg, []string{"A", "B"}, nil)
	if err := c.nodes["A"].Put(ctx, "k", "v"); err != nil {
		t.Fatalf("put: %v", err)
	}
	// the ack is sent after the peer applied the commit
	if v, ok, _ := c.nodes["B"].Get(ctx, "k"); !ok || v != "v" {
		t.Fatalf("B has %q %v right after a sync commit", v, ok)
	}
}

func TestSyncCommitReportsRemoteFailure(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig(
		config.WithSyncCommitPhase(true, true),
		config.WithLockAcquisitionTimeout(150*time.Millisecond),
	)
	c := newCluster(t, cfg, []string{"A", "B"}, nil)
	a, b := c.nodes["A"], c.nodes["B"]

	blocker, _ := b.Begin(ctx)
	if err := blocker.Put(ctx, "k", "b"); err != nil {
		t.Fatalf("blocker put: %v", err)
	}
	err := a.Put(ctx, "k", "a")
	if !errors.Is(err, warperrors.ErrRemoteApply) {
		t.Fatalf("expected remote apply failure, got %v", err)
	}
	var rae *RemoteApplyError
	if !errors.As(err, &rae) || rae.Node != "B" {
		t.Fatalf("expected failure from B, got %v", err)
	}
	if v, _, _ := a.Get(ctx, "k"); v != "a" {
		t.Fatalf("local commit must stand, got %q", v)
	}
	if err := blocker.Rollback(ctx); err != nil {
		t.Fatalf("blocker rollback: %v", err)
	}
	eventually(t, "B quiescent", quiescent(b, "k"))
}

func TestSyncCommitTimeout(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig(config.WithSyncCommitPhase(true, true), config.WithCommitTimeout(100*time.Millisecond))
	c := newCluster(t, cfg, []string{"A", "B"}, nil)
	c.net.SetDropFunc(func(from, to string, cmd pipeline.Command) bool { return cmd.Kind == pipeline.Ack })

	err := c.nodes["A"].Put(ctx, "k", "v")
	if !errors.Is(err, warperrors.ErrCommitTimeout) {
		t.Fatalf("expected commit timeout, got %v", err)
	}
	if v, _, _ := c.nodes["A"].Get(ctx, "k"); v != "v" {
		t.Fatalf("local commit must stand, got %q", v)
	}
	if c.nodes["A"].TxTable().LocalCount() != 0 {
		t.Fatal("timed out transaction left in the table")
	}
}

func TestLateCommandsAreDropped(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, fastConfig(), []string{"A", "B"}, nil)
	a, b := c.nodes["A"], c.nodes["B"]
	if err := a.Put(ctx, "k", "v1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	eventually(t, "B applied", valueIs(b, "k", "v1"))
	eventually(t, "B quiescent", quiescent(b, "k"))

	// replay the first transaction's write after it finished on B
	late := pipeline.Command{Kind: pipeline.Put, Tx: txn.ID{Node: "A", Seq: 1}, Origin: "A", Key: "k", Value: []byte(`"stale"`)}
	ep := c.net.Join("A")
	if err := ep.Send(ctx, "B", late); err != nil {
		t.Fatalf("send: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if b.TxTable().RemoteCount() != 0 {
		t.Fatal("late command resurrected a finished transaction")
	}
	if b.IsLocked("k") {
		t.Fatal("late command took a lock")
	}
}

func TestRollbackRemoteReleasesOrphan(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, fastConfig(), []string{"A", "B"}, nil)
	a, b := c.nodes["A"], c.nodes["B"]
	c.net.SetDropFunc(func(from, to string, cmd pipeline.Command) bool {
		return cmd.Kind == pipeline.Prepare || cmd.Kind == pipeline.Commit
	})
	if err := a.Put(ctx, "k", "v"); err != nil {
		t.Fatalf("put: %v", err)
	}
	eventually(t, "orphan holds lock on B", func() bool { return b.IsLocked("k") })
	remotes := b.Remotes()
	if len(remotes) != 1 {
		t.Fatalf("expected one remote, got %d", len(remotes))
	}
	if err := b.RollbackRemote(ctx, remotes[0].ID()); err != nil {
		t.Fatalf("rollback remote: %v", err)
	}
	eventually(t, "orphan removed", quiescent(b, "k"))
	if _, ok, _ := b.Get(ctx, "k"); ok {
		t.Fatal("orphan write became visible")
	}
}
