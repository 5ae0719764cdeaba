package transport

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/pipeline"
)

// DropFunc decides whether a command on the from->to link is lost.
type DropFunc func(from, to string, cmd pipeline.Command) bool

// Network is an in-process cluster. Each ordered pair of endpoints has its
// own queue drained by one goroutine.
type Network struct {
	mu    sync.RWMutex
	nodes map[string]*Endpoint
	links map[[2]string]*link
	drop  atomic.Pointer[DropFunc]
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{
		nodes: make(map[string]*Endpoint),
		links: make(map[[2]string]*link),
	}
}

// Join adds node to the network and returns its endpoint.
func (n *Network) Join(node string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ep, ok := n.nodes[node]; ok {
		return ep
	}
	ep := &Endpoint{net: n, node: node}
	n.nodes[node] = ep
	return ep
}

// SetDropFunc installs fn to simulate lost messages. Nil restores delivery.
func (n *Network) SetDropFunc(fn DropFunc) {
	if fn == nil {
		n.drop.Store(nil)
		return
	}
	n.drop.Store(&fn)
}

// Close stops every link.
func (n *Network) Close() {
	n.mu.Lock()
	links := n.links
	n.links = make(map[[2]string]*link)
	n.mu.Unlock()
	for _, l := range links {
		l.close()
	}
}

func (n *Network) link(from, to string) *link {
	key := [2]string{from, to}
	n.mu.RLock()
	l := n.links[key]
	n.mu.RUnlock()
	if l != nil {
		return l
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if l = n.links[key]; l == nil {
		l = newLink(n, from, to)
		n.links[key] = l
	}
	return l
}

func (n *Network) endpoint(node string) *Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodes[node]
}

// Endpoint is one node's Transport on a Network.
type Endpoint struct {
	net     *Network
	node    string
	handler atomic.Pointer[Handler]
	closed  atomic.Bool

	sent      atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// LocalNode implements Transport.LocalNode.
func (e *Endpoint) LocalNode() string { return e.node }

// Peers implements Transport.Peers.
func (e *Endpoint) Peers() []string {
	e.net.mu.RLock()
	peers := make([]string, 0, len(e.net.nodes))
	for name := range e.net.nodes {
		if name != e.node {
			peers = append(peers, name)
		}
	}
	e.net.mu.RUnlock()
	sort.Strings(peers)
	return peers
}

// Send implements Transport.Send.
func (e *Endpoint) Send(ctx context.Context, to string, cmd pipeline.Command) error {
	if e.closed.Load() {
		return warperrors.ErrConnectionClosed
	}
	if e.net.endpoint(to) == nil {
		return ErrUnknownPeer
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e.sent.Add(1)
	if fn := e.net.drop.Load(); fn != nil && (*fn)(e.node, to, cmd) {
		e.dropped.Add(1)
		return nil
	}
	e.net.link(e.node, to).push(cmd)
	return nil
}

// Listen implements Transport.Listen.
func (e *Endpoint) Listen(h Handler) error {
	e.handler.Store(&h)
	return nil
}

// Close implements Transport.Close. Queued commands for this endpoint are
// discarded.
func (e *Endpoint) Close() error {
	e.closed.Store(true)
	e.handler.Store(nil)
	return nil
}

// Metrics returns send and delivery counters.
func (e *Endpoint) Metrics() Metrics {
	return Metrics{Sent: e.sent.Load(), Delivered: e.delivered.Load(), Dropped: e.dropped.Load()}
}

type link struct {
	net      *Network
	from, to string

	mu     sync.Mutex
	queue  []pipeline.Command
	signal chan struct{}
	stop   chan struct{}
	once   sync.Once
}

func newLink(n *Network, from, to string) *link {
	l := &link{
		net:    n,
		from:   from,
		to:     to,
		signal: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *link) push(cmd pipeline.Command) {
	l.mu.Lock()
	l.queue = append(l.queue, cmd)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *link) run() {
	ctx := context.Background()
	for {
		select {
		case <-l.signal:
		case <-l.stop:
			return
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()
			for _, cmd := range batch {
				ep := l.net.endpoint(l.to)
				if ep == nil {
					continue
				}
				h := ep.handler.Load()
				if h == nil {
					ep.dropped.Add(1)
					continue
				}
				(*h)(ctx, l.from, cmd)
				ep.delivered.Add(1)
			}
		}
	}
}

func (l *link) close() {
	l.once.Do(func() { close(l.stop) })
}
