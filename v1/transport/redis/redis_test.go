package redis

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/pipeline"
	"github.com/mirkobrombin/warp-tx/v1/transport"
	redis "github.com/redis/go-redis/v9"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("WARP_TEST_REDIS_ADDR")
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("miniredis run: %v", err)
		}
		t.Cleanup(mr.Close)
		addr = mr.Addr()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisTransportDeliversInOrder(t *testing.T) {
	client := newClient(t)
	a := New(Options{Client: client, Node: "A", Peers: []string{"B"}})
	b := New(Options{Client: client, Node: "B", Peers: []string{"A"}})
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	var mu sync.Mutex
	var got []byte
	if err := b.Listen(func(ctx context.Context, from string, cmd pipeline.Command) {
		if from != "A" {
			t.Errorf("from %q", from)
		}
		mu.Lock()
		got = append(got, cmd.Value...)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if err := a.Send(ctx, "B", pipeline.Command{Kind: pipeline.Put, Value: []byte{byte(i)}}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 20 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 20 {
		t.Fatalf("received %d", len(got))
	}
	for i, v := range got {
		if v != byte(i) {
			t.Fatalf("out of order at %d: %d", i, v)
		}
	}
}

func TestRedisTransportErrors(t *testing.T) {
	client := newClient(t)
	a := New(Options{Client: client, Node: "A", Peers: []string{"B"}})
	ctx := context.Background()
	if err := a.Send(ctx, "C", pipeline.Command{}); !errors.Is(err, transport.ErrUnknownPeer) {
		t.Fatalf("expected unknown peer, got %v", err)
	}
	_ = a.Close()
	if err := a.Send(ctx, "B", pipeline.Command{}); !errors.Is(err, warperrors.ErrConnectionClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
}
