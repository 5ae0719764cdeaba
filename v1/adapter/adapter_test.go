package adapter_test

import (
	"context"
	"testing"

	"github.com/mirkobrombin/warp-tx/v1/adapter"
)

func TestInMemoryStoreGetSetKeys(t *testing.T) {
	s := adapter.NewInMemoryStore[string]()
	ctx := context.Background()
	if _, ok, err := s.Get(ctx, "foo"); err != nil || ok {
		t.Fatalf("Get: expected not found, got ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "foo", "bar"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if v, ok, err := s.Get(ctx, "foo"); err != nil || !ok || v != "bar" {
		t.Fatalf("Get: expected bar, got %v ok=%v err=%v", v, ok, err)
	}
	keys, err := s.Keys(ctx)
	if err != nil || len(keys) != 1 || keys[0] != "foo" {
		t.Fatalf("Keys: expected [foo], got %v err %v", keys, err)
	}
}

func TestWriteCommittedUsesSingleBatch(t *testing.T) {
	s := adapter.NewInMemoryStore[string]()
	ctx := context.Background()
	err := adapter.WriteCommitted[string](ctx, s, []adapter.Entry[string]{
		{Key: "k1", Value: "a"},
		{Key: "k2", Value: "b"},
		{Key: "k1", Value: "c"},
	})
	if err != nil {
		t.Fatalf("WriteCommitted: %v", err)
	}
	if s.Commits() != 1 {
		t.Fatalf("expected one batch, got %d", s.Commits())
	}
	if v, _, _ := s.Get(ctx, "k1"); v != "c" {
		t.Fatalf("last write should win, got %q", v)
	}
	if err := adapter.WriteCommitted[string](ctx, s, nil); err != nil || s.Commits() != 1 {
		t.Fatalf("empty write should be a no-op, commits %d err %v", s.Commits(), err)
	}
}

func TestInMemoryBatchDelete(t *testing.T) {
	s := adapter.NewInMemoryStore[string]()
	ctx := context.Background()
	_ = s.Set(ctx, "remove", "me")
	b, _ := s.Batch(ctx)
	_ = b.Set(ctx, "foo", "bar")
	_ = b.Delete(ctx, "remove")
	if err := b.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "remove"); ok {
		t.Fatal("expected remove deleted")
	}
	if v, ok, _ := s.Get(ctx, "foo"); !ok || v != "bar" {
		t.Fatalf("expected foo=bar, got %v", v)
	}
}
