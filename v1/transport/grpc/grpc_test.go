package grpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/warp-tx/v1/pipeline"
	"github.com/mirkobrombin/warp-tx/v1/transport"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func newPair(t *testing.T) (*Transport, *Transport) {
	t.Helper()
	listeners := map[string]*bufconn.Listener{
		"bufnet-a": bufconn.Listen(1 << 20),
		"bufnet-b": bufconn.Listen(1 << 20),
	}
	dialer := grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := listeners[addr]
		if !ok {
			return nil, errors.New("unknown address " + addr)
		}
		return lis.DialContext(ctx)
	})
	opts := WithDialOptions(dialer, grpc.WithTransportCredentials(insecure.NewCredentials()))
	a := New("A", listeners["bufnet-a"], map[string]string{"B": "passthrough:///bufnet-b"}, opts)
	b := New("B", listeners["bufnet-b"], map[string]string{"A": "passthrough:///bufnet-a"}, opts)
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })
	return a, b
}

func TestGRPCTransportDeliversInOrder(t *testing.T) {
	a, b := newPair(t)
	var mu sync.Mutex
	var got []byte
	_ = a.Listen(func(context.Context, string, pipeline.Command) {})
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
	for i := 0; i < 30; i++ {
		if err := a.Send(ctx, "B", pipeline.Command{Kind: pipeline.Put, Value: []byte{byte(i)}}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 30 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 30 {
		t.Fatalf("received %d", len(got))
	}
	for i, v := range got {
		if v != byte(i) {
			t.Fatalf("out of order at %d: %d", i, v)
		}
	}
}

func TestGRPCTransportUnknownPeer(t *testing.T) {
	a, _ := newPair(t)
	if err := a.Send(context.Background(), "Z", pipeline.Command{}); !errors.Is(err, transport.ErrUnknownPeer) {
		t.Fatalf("expected unknown peer, got %v", err)
	}
	if peers := a.Peers(); len(peers) != 1 || peers[0] != "B" {
		t.Fatalf("peers %v", peers)
	}
}
