// Package transport moves pipeline commands between nodes. Every
// implementation delivers commands from one sender to one receiver in the
// order they were sent; there is no ordering across senders.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mirkobrombin/warp-tx/v1/cache"
	"github.com/mirkobrombin/warp-tx/v1/pipeline"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownPeer is returned when sending to a node that is not a peer.
var ErrUnknownPeer = errors.New("transport: unknown peer")

// Handler receives inbound commands. Calls for one sender are sequential.
type Handler func(ctx context.Context, from string, cmd pipeline.Command)

// Transport connects a node to its peers.
type Transport interface {
	LocalNode() string
	Peers() []string
	// Send queues cmd for delivery to node to. It does not wait for the
	// receiver to process it.
	Send(ctx context.Context, to string, cmd pipeline.Command) error
	// Listen starts delivering inbound commands to h.
	Listen(h Handler) error
	Close() error
}

// Envelope is the wire form of a command.
type Envelope struct {
	ID   string           `json:"id"`
	From string           `json:"from"`
	To   string           `json:"to"`
	Cmd  pipeline.Command `json:"cmd"`
}

// NewEnvelope wraps cmd with a fresh id.
func NewEnvelope(from, to string, cmd pipeline.Command) Envelope {
	return Envelope{ID: uuid.NewString(), From: from, To: to, Cmd: cmd}
}

// Marshal encodes e as JSON.
func (e Envelope) Marshal() ([]byte, error) { return json.Marshal(e) }

// DecodeEnvelope parses the output of Envelope.Marshal.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}

// Broadcast sends cmd to every peer concurrently and returns the first error.
// All sends have been issued when it returns, so consecutive broadcasts keep
// their order on every link.
func Broadcast(ctx context.Context, t Transport, cmd pipeline.Command) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range t.Peers() {
		peer := peer
		g.Go(func() error { return t.Send(gctx, peer, cmd) })
	}
	return g.Wait()
}

// Dedup drops envelopes already seen within a time window. Network transports
// use it to ignore redeliveries after reconnects.
type Dedup struct {
	seen *cache.InMemoryCache[struct{}]
	ttl  time.Duration
}

// NewDedup remembers ids for ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{seen: cache.NewInMemory[struct{}](cache.WithSweepInterval[struct{}](ttl)), ttl: ttl}
}

// Seen reports whether id was already observed and records it otherwise.
// It must be called from a single goroutine per Dedup.
func (d *Dedup) Seen(id string) bool {
	ctx := context.Background()
	if _, ok, _ := d.seen.Get(ctx, id); ok {
		return true
	}
	_ = d.seen.Set(ctx, id, struct{}{}, d.ttl)
	return false
}

// Close stops the sweeper.
func (d *Dedup) Close() { d.seen.Close() }

// Metrics counts envelopes through a transport.
type Metrics struct {
	Sent      uint64
	Delivered uint64
	Dropped   uint64
}
