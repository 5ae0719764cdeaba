// Package grpc implements transport.Transport with a client-streaming gRPC
// method. Each sender keeps one stream per peer open, so a peer receives a
// sender's commands in stream order. Envelopes travel as JSON through a
// registered codec; no generated code is involved.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/pipeline"
	"github.com/mirkobrombin/warp-tx/v1/transport"
	"go.uber.org/zap"
	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

const (
	codecName   = "warptx-json"
	serviceName = "warptx.Transport"
	deliverPath = "/" + serviceName + "/Deliver"
	queueSize   = 1024
	maxAttempts = 3
)

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type deliveryServer interface {
	deliver(stream grpc.ServerStream) error
}

type ack struct {
	Received uint64 `json:"received"`
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*deliveryServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Deliver",
		Handler:       deliverHandler,
		ClientStreams: true,
	}},
	Metadata: "warptx/transport",
}

func deliverHandler(srv any, stream grpc.ServerStream) error {
	return srv.(deliveryServer).deliver(stream)
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialOptions replaces the options used to dial peers. Insecure
// credentials are used by default.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(t *Transport) { t.dialOpts = opts }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l.Named("transport.grpc")
		}
	}
}

// Transport serves inbound streams on a listener and dials peers lazily.
type Transport struct {
	node     string
	addrs    map[string]string
	lis      net.Listener
	server   *grpc.Server
	dialOpts []grpc.DialOption
	log      *zap.Logger
	handler  atomic.Pointer[transport.Handler]

	mu     sync.Mutex
	peers  map[string]*peer
	closed bool
	wg     sync.WaitGroup

	sent      atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

type peer struct {
	node  string
	cc    *grpc.ClientConn
	queue chan transport.Envelope
	stop  chan struct{}
}

// New returns a Transport for node serving on lis. peers maps peer node
// names to dial targets.
func New(node string, lis net.Listener, peers map[string]string, opts ...Option) *Transport {
	t := &Transport{
		node:     node,
		addrs:    make(map[string]string, len(peers)),
		lis:      lis,
		dialOpts: []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
		log:      zap.NewNop(),
		peers:    make(map[string]*peer),
	}
	for k, v := range peers {
		t.addrs[k] = v
	}
	for _, opt := range opts {
		opt(t)
	}
	t.server = grpc.NewServer()
	t.server.RegisterService(&serviceDesc, t)
	return t
}

// LocalNode implements transport.Transport.
func (t *Transport) LocalNode() string { return t.node }

// Peers implements transport.Transport.
func (t *Transport) Peers() []string {
	out := make([]string, 0, len(t.addrs))
	for k := range t.addrs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Listen implements transport.Transport.
func (t *Transport) Listen(h transport.Handler) error {
	t.handler.Store(&h)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(t.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.log.Error("grpc server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (t *Transport) deliver(stream grpc.ServerStream) error {
	var n uint64
	for {
		var env transport.Envelope
		err := stream.RecvMsg(&env)
		if errors.Is(err, io.EOF) {
			return stream.SendMsg(&ack{Received: n})
		}
		if err != nil {
			return err
		}
		n++
		h := t.handler.Load()
		if h == nil || env.To != t.node {
			t.dropped.Add(1)
			continue
		}
		(*h)(stream.Context(), env.From, env.Cmd)
		t.delivered.Add(1)
	}
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, to string, cmd pipeline.Command) error {
	p, err := t.peer(to)
	if err != nil {
		return err
	}
	env := transport.NewEnvelope(t.node, to, cmd)
	select {
	case p.queue <- env:
		return nil
	case <-p.stop:
		return warperrors.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) peer(to string) (*peer, error) {
	addr, ok := t.addrs[to]
	if !ok {
		return nil, transport.ErrUnknownPeer
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, warperrors.ErrConnectionClosed
	}
	if p, ok := t.peers[to]; ok {
		return p, nil
	}
	cc, err := grpc.NewClient(addr, t.dialOpts...)
	if err != nil {
		return nil, err
	}
	p := &peer{node: to, cc: cc, queue: make(chan transport.Envelope, queueSize), stop: make(chan struct{})}
	t.peers[to] = p
	t.wg.Add(1)
	go t.sender(p)
	return p, nil
}

func (t *Transport) openStream(p *peer) (grpc.ClientStream, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := p.cc.NewStream(ctx, &serviceDesc.Streams[0], deliverPath, grpc.CallContentSubtype(codecName))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return stream, cancel, nil
}

func (t *Transport) sender(p *peer) {
	defer t.wg.Done()
	var stream grpc.ClientStream
	var cancel context.CancelFunc
	defer func() {
		if stream != nil {
			_ = stream.CloseSend()
			var a ack
			_ = stream.RecvMsg(&a)
			cancel()
		}
		_ = p.cc.Close()
	}()
	for {
		select {
		case env := <-p.queue:
			for attempt := 1; ; attempt++ {
				if stream == nil {
					var err error
					stream, cancel, err = t.openStream(p)
					if err != nil {
						t.log.Warn("open stream failed", zap.String("to", p.node), zap.Error(err))
					}
				}
				if stream != nil {
					if err := stream.SendMsg(&env); err == nil {
						t.sent.Add(1)
						break
					} else {
						t.log.Warn("stream send failed", zap.String("to", p.node), zap.Error(err))
						cancel()
						stream = nil
					}
				}
				if attempt == maxAttempts {
					t.dropped.Add(1)
					t.log.Error("dropping command", zap.String("to", p.node), zap.Stringer("kind", env.Cmd.Kind))
					break
				}
				select {
				case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
				case <-p.stop:
					return
				}
			}
		case <-p.stop:
			return
		}
	}
}

// Close implements transport.Transport. Queued commands are discarded.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, p := range t.peers {
		close(p.stop)
	}
	t.mu.Unlock()
	t.server.Stop()
	t.wg.Wait()
	return nil
}

// Metrics returns send and delivery counters.
func (t *Transport) Metrics() transport.Metrics {
	return transport.Metrics{Sent: t.sent.Load(), Delivered: t.delivered.Load(), Dropped: t.dropped.Load()}
}
