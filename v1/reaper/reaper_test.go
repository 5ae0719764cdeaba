package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/warp-tx/v1/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	table *txn.Table

	mu         sync.Mutex
	rolledBack []txn.ID
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{table: txn.NewTable("B")}
}

func (f *fakeTarget) Remotes() []*txn.Context { return f.table.Remotes() }

func (f *fakeTarget) RollbackRemote(_ context.Context, id txn.ID) error {
	f.mu.Lock()
	f.rolledBack = append(f.rolledBack, id)
	f.mu.Unlock()
	if err := f.table.MarkState(id, txn.RolledBack); err != nil {
		return err
	}
	return f.table.Remove(id)
}

func (f *fakeTarget) calls() []txn.ID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]txn.ID(nil), f.rolledBack...)
}

func TestScanReapsIdleRemotes(t *testing.T) {
	target := newFakeTarget()
	stale := txn.ID{Node: "A", Seq: 1}
	target.table.GetOrRegisterRemote(stale)

	r := New(target, time.Minute, time.Hour)
	assert.Equal(t, 0, r.Scan(context.Background()))

	r.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	fresh, _ := target.table.GetOrRegisterRemote(txn.ID{Node: "A", Seq: 2})
	fresh.Touch()

	assert.Equal(t, 2, r.Scan(context.Background()))
	assert.ElementsMatch(t, []txn.ID{stale, fresh.ID()}, target.calls())
	assert.Equal(t, 0, target.table.RemoteCount())
	assert.Equal(t, Metrics{Scans: 2, Idle: 2, Reaped: 2}, r.Metrics())
}

func TestScanSkipsRecentlyActive(t *testing.T) {
	target := newFakeTarget()
	tc, _ := target.table.GetOrRegisterRemote(txn.ID{Node: "A", Seq: 1})

	r := New(target, time.Minute, time.Hour)
	base := time.Now()
	r.now = func() time.Time { return base.Add(30 * time.Second) }
	tc.Touch()

	assert.Equal(t, 0, r.Scan(context.Background()))
	assert.Empty(t, target.calls())
}

func TestAlertModeOnlyCounts(t *testing.T) {
	target := newFakeTarget()
	target.table.GetOrRegisterRemote(txn.ID{Node: "A", Seq: 1})

	r := New(target, 0, time.Hour, WithMode(ModeAlert))
	require.Equal(t, 1, r.Scan(context.Background()))
	assert.Empty(t, target.calls())
	assert.Equal(t, 1, target.table.RemoteCount())
	assert.Equal(t, uint64(0), r.Metrics().Reaped)
}

func TestRunStopsWithContext(t *testing.T) {
	target := newFakeTarget()
	target.table.GetOrRegisterRemote(txn.ID{Node: "A", Seq: 1})
	r := New(target, 0, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return r.Metrics().Reaped == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
