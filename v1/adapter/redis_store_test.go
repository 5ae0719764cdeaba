package adapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/warp-tx/v1/adapter"
	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
)

func newRedisStore[T any](t *testing.T, opts ...adapter.RedisOption) (*adapter.RedisStore[T], *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return adapter.NewRedisStore[T](client, opts...), mr, client
}

func TestRedisStoreGetSetKeys(t *testing.T) {
	s, mr, _ := newRedisStore[string](t)
	ctx := context.Background()
	if err := s.Set(ctx, "foo", "bar"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("warptx:foo") {
		t.Fatal("expected prefixed key in redis")
	}
	if v, ok, err := s.Get(ctx, "foo"); err != nil || !ok || v != "bar" {
		t.Fatalf("Get: expected bar, got %v err %v", v, err)
	}
	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("Get missing: ok %v err %v", ok, err)
	}
	keys, err := s.Keys(ctx)
	if err != nil || len(keys) != 1 || keys[0] != "foo" {
		t.Fatalf("Keys: expected [foo], got %v err %v", keys, err)
	}
}

func TestRedisStoreBatchCommit(t *testing.T) {
	s, _, _ := newRedisStore[int](t, adapter.WithPrefix("app:"))
	ctx := context.Background()
	_ = s.Set(ctx, "gone", 1)
	err := adapter.WriteCommitted[int](ctx, s, []adapter.Entry[int]{{Key: "a", Value: 1}, {Key: "b", Value: 2}})
	if err != nil {
		t.Fatalf("WriteCommitted: %v", err)
	}
	b, _ := s.Batch(ctx)
	_ = b.Delete(ctx, "gone")
	if err := b.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	for k, want := range map[string]int{"a": 1, "b": 2} {
		if v, ok, err := s.Get(ctx, k); err != nil || !ok || v != want {
			t.Fatalf("%s: got %v ok %v err %v", k, v, ok, err)
		}
	}
	if _, ok, _ := s.Get(ctx, "gone"); ok {
		t.Fatal("expected gone deleted")
	}
}

func TestRedisStoreErrors(t *testing.T) {
	s, _, client := newRedisStore[string](t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)
	if err := s.Set(ctx, "k", "v"); !errors.Is(err, warperrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	_ = client.Close()
	if _, _, err := s.Get(context.Background(), "k"); !errors.Is(err, warperrors.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
