// Package nats implements transport.Transport over NATS core subjects. Each
// node listens on its own subject; NATS keeps per-publisher order on a
// subject, which gives FIFO per sender.
package nats

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/pipeline"
	"github.com/mirkobrombin/warp-tx/v1/transport"
	nats "github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const defaultSubjectPrefix = "warptx."

// Transport sends commands as NATS messages.
type Transport struct {
	conn   *nats.Conn
	node   string
	peers  []string
	prefix string
	log    *zap.Logger
	dedup  *transport.Dedup

	mu     sync.Mutex
	sub    *nats.Subscription
	closed bool

	sent      atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a Transport.
type Option func(*Transport)

// WithSubjectPrefix changes the subject namespace. The default is "warptx.".
func WithSubjectPrefix(p string) Option {
	return func(t *Transport) { t.prefix = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l.Named("transport.nats")
		}
	}
}

// New returns a Transport for node using conn. peers lists the other nodes.
func New(conn *nats.Conn, node string, peers []string, opts ...Option) *Transport {
	t := &Transport{
		conn:   conn,
		node:   node,
		peers:  append([]string(nil), peers...),
		prefix: defaultSubjectPrefix,
		log:    zap.NewNop(),
		dedup:  transport.NewDedup(time.Minute),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) subject(node string) string { return t.prefix + node }

// LocalNode implements transport.Transport.
func (t *Transport) LocalNode() string { return t.node }

// Peers implements transport.Transport.
func (t *Transport) Peers() []string { return append([]string(nil), t.peers...) }

func (t *Transport) isPeer(node string) bool {
	for _, p := range t.peers {
		if p == node {
			return true
		}
	}
	return false
}

// Send implements transport.Transport. Publishing is retried with jittered
// backoff until it succeeds or ctx ends; the per-transport lock keeps
// retries from overtaking later sends.
func (t *Transport) Send(ctx context.Context, to string, cmd pipeline.Command) error {
	if !t.isPeer(to) {
		return transport.ErrUnknownPeer
	}
	data, err := transport.NewEnvelope(t.node, to, cmd).Marshal()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return warperrors.ErrConnectionClosed
	}
	backoff := 50 * time.Millisecond
	for {
		err = t.conn.Publish(t.subject(to), data)
		if err == nil {
			t.sent.Add(1)
			return nil
		}
		if err == nats.ErrConnectionClosed {
			return warperrors.ErrConnectionClosed
		}
		t.log.Warn("publish failed, retrying", zap.String("to", to), zap.Error(err))
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
		if backoff < time.Second {
			backoff = min(backoff*2, time.Second)
		}
	}
}

// Listen implements transport.Transport. NATS invokes the callback of a
// subscription from a single goroutine, preserving arrival order.
func (t *Transport) Listen(h transport.Handler) error {
	sub, err := t.conn.Subscribe(t.subject(t.node), t.natsHandler(h))
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
	return t.conn.Flush()
}

func (t *Transport) natsHandler(h transport.Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		env, err := transport.DecodeEnvelope(msg.Data)
		if err != nil {
			t.dropped.Add(1)
			t.log.Error("malformed envelope", zap.Error(err))
			return
		}
		if env.To != t.node || t.dedup.Seen(env.ID) {
			t.dropped.Add(1)
			return
		}
		h(context.Background(), env.From, env.Cmd)
		t.delivered.Add(1)
	}
}

// Close implements transport.Transport. The connection stays open; it
// belongs to the caller.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	t.dedup.Close()
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

// Metrics returns send and delivery counters.
func (t *Transport) Metrics() transport.Metrics {
	return transport.Metrics{Sent: t.sent.Load(), Delivered: t.delivered.Load(), Dropped: t.dropped.Load()}
}
