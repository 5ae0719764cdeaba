// Package redis implements transport.Transport over Redis pub/sub. One
// sender goroutine per peer publishes sequentially, so commands reach each
// peer in send order.
package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/pipeline"
	"github.com/mirkobrombin/warp-tx/v1/transport"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultChannelPrefix = "warptx:"
	publishTimeout       = 5 * time.Second
	queueSize            = 1024
	maxAttempts          = 5
)

// Options configures a Transport.
type Options struct {
	Client *redis.Client
	Node   string
	Peers  []string
	// ChannelPrefix defaults to "warptx:".
	ChannelPrefix string
	Logger        *zap.Logger
}

type outbound struct {
	to   string
	data []byte
}

// Transport publishes envelopes on per-node channels.
type Transport struct {
	client *redis.Client
	node   string
	peers  []string
	prefix string
	log    *zap.Logger
	dedup  *transport.Dedup

	queues  map[string]chan outbound
	pubsub  *redis.PubSub
	closeCh chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	sent      atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New returns a Transport and starts its sender goroutines.
func New(opts Options) *Transport {
	t := &Transport{
		client:  opts.Client,
		node:    opts.Node,
		peers:   append([]string(nil), opts.Peers...),
		prefix:  opts.ChannelPrefix,
		log:     zap.NewNop(),
		dedup:   transport.NewDedup(time.Minute),
		queues:  make(map[string]chan outbound, len(opts.Peers)),
		closeCh: make(chan struct{}),
	}
	if t.prefix == "" {
		t.prefix = defaultChannelPrefix
	}
	if opts.Logger != nil {
		t.log = opts.Logger.Named("transport.redis")
	}
	for _, p := range t.peers {
		q := make(chan outbound, queueSize)
		t.queues[p] = q
		t.wg.Add(1)
		go t.sender(q)
	}
	return t
}

func (t *Transport) channel(node string) string { return t.prefix + node }

// LocalNode implements transport.Transport.
func (t *Transport) LocalNode() string { return t.node }

// Peers implements transport.Transport.
func (t *Transport) Peers() []string { return append([]string(nil), t.peers...) }

// Send implements transport.Transport. It blocks only while the peer queue
// is full.
func (t *Transport) Send(ctx context.Context, to string, cmd pipeline.Command) error {
	q, ok := t.queues[to]
	if !ok {
		return transport.ErrUnknownPeer
	}
	data, err := transport.NewEnvelope(t.node, to, cmd).Marshal()
	if err != nil {
		return err
	}
	select {
	case <-t.closeCh:
		return warperrors.ErrConnectionClosed
	default:
	}
	select {
	case q <- outbound{to: to, data: data}:
		return nil
	case <-t.closeCh:
		return warperrors.ErrConnectionClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return warperrors.ErrTimeout
		}
		return ctx.Err()
	}
}

func (t *Transport) sender(q chan outbound) {
	defer t.wg.Done()
	for {
		select {
		case msg := <-q:
			t.publish(msg)
		case <-t.closeCh:
			return
		}
	}
}

func (t *Transport) publish(msg outbound) {
	backoff := 50 * time.Millisecond
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := t.client.Publish(ctx, t.channel(msg.to), msg.data).Err()
		cancel()
		if err == nil {
			t.sent.Add(1)
			return
		}
		if attempt == maxAttempts || errors.Is(err, redis.ErrClosed) {
			t.dropped.Add(1)
			t.log.Error("publish failed, dropping command", zap.String("to", msg.to), zap.Error(err))
			return
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-t.closeCh:
			return
		}
	}
}

// Listen implements transport.Transport.
func (t *Transport) Listen(h transport.Handler) error {
	ctx := context.Background()
	ps := t.client.Subscribe(ctx, t.channel(t.node))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	t.pubsub = ps
	t.wg.Add(1)
	go t.dispatch(ps.Channel(), h)
	return nil
}

func (t *Transport) dispatch(ch <-chan *redis.Message, h transport.Handler) {
	defer t.wg.Done()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := transport.DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				t.log.Error("malformed envelope", zap.Error(err))
				continue
			}
			if t.dedup.Seen(env.ID) {
				continue
			}
			h(context.Background(), env.From, env.Cmd)
			t.delivered.Add(1)
		case <-t.closeCh:
			return
		}
	}
}

// Close implements transport.Transport. Queued but unsent commands are
// discarded; the client belongs to the caller.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closeCh)
		if t.pubsub != nil {
			err = t.pubsub.Close()
		}
		t.wg.Wait()
		t.dedup.Close()
	})
	return err
}

// Metrics returns send and delivery counters.
func (t *Transport) Metrics() transport.Metrics {
	return transport.Metrics{Sent: t.sent.Load(), Delivered: t.delivered.Load(), Dropped: t.dropped.Load()}
}
