// Package kafka implements transport.Transport on Kafka. Every node owns a
// topic and reads partition 0 of it; a single partition plus a synchronous
// producer keeps commands from one sender in order.
package kafka

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/pipeline"
	"github.com/mirkobrombin/warp-tx/v1/transport"
	"go.uber.org/zap"
)

const defaultTopicPrefix = "warptx."

// Transport sends envelopes as Kafka messages.
type Transport struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client
	node     string
	peers    []string
	prefix   string
	log      *zap.Logger
	dedup    *transport.Dedup

	mu     sync.Mutex
	pc     sarama.PartitionConsumer
	closed bool
	wg     sync.WaitGroup

	sent      atomic.Uint64
	delivered atomic.Uint64
}

// Option configures a Transport.
type Option func(*Transport)

// WithTopicPrefix changes the topic namespace. The default is "warptx.".
func WithTopicPrefix(p string) Option {
	return func(t *Transport) { t.prefix = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l.Named("transport.kafka")
		}
	}
}

// New connects to brokers and returns a Transport for node.
func New(brokers []string, cfg *sarama.Config, node string, peers []string, opts ...Option) (*Transport, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	t := NewWithClients(producer, consumer, node, peers, opts...)
	t.client = client
	return t, nil
}

// NewWithClients builds a Transport on existing producer and consumer. The
// producer must send to the partition set on the message.
func NewWithClients(producer sarama.SyncProducer, consumer sarama.Consumer, node string, peers []string, opts ...Option) *Transport {
	t := &Transport{
		producer: producer,
		consumer: consumer,
		node:     node,
		peers:    append([]string(nil), peers...),
		prefix:   defaultTopicPrefix,
		log:      zap.NewNop(),
		dedup:    transport.NewDedup(time.Minute),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Topic returns the topic node listens on.
func (t *Transport) Topic(node string) string { return t.prefix + node }

// LocalNode implements transport.Transport.
func (t *Transport) LocalNode() string { return t.node }

// Peers implements transport.Transport.
func (t *Transport) Peers() []string { return append([]string(nil), t.peers...) }

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, to string, cmd pipeline.Command) error {
	known := false
	for _, p := range t.peers {
		known = known || p == to
	}
	if !known {
		return transport.ErrUnknownPeer
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	env := transport.NewEnvelope(t.node, to, cmd)
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic:     t.Topic(to),
		Partition: 0,
		Key:       sarama.StringEncoder(cmd.Tx.String()),
		Value:     sarama.ByteEncoder(data),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return warperrors.ErrConnectionClosed
	}
	if _, _, err := t.producer.SendMessage(msg); err != nil {
		t.log.Error("produce failed", zap.String("to", to), zap.Error(err))
		return err
	}
	t.sent.Add(1)
	return nil
}

// Listen implements transport.Transport. Only messages produced after Listen
// are consumed.
func (t *Transport) Listen(h transport.Handler) error {
	pc, err := t.consumer.ConsumePartition(t.Topic(t.node), 0, sarama.OffsetNewest)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.pc = pc
	t.mu.Unlock()
	t.wg.Add(1)
	go t.dispatch(pc, h)
	return nil
}

func (t *Transport) dispatch(pc sarama.PartitionConsumer, h transport.Handler) {
	defer t.wg.Done()
	for msg := range pc.Messages() {
		env, err := transport.DecodeEnvelope(msg.Value)
		if err != nil {
			t.log.Error("malformed envelope", zap.Error(err))
			continue
		}
		if t.dedup.Seen(env.ID) {
			continue
		}
		h(context.Background(), env.From, env.Cmd)
		t.delivered.Add(1)
	}
}

// Close implements transport.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pc := t.pc
	t.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if pc != nil {
		keep(pc.Close())
	}
	t.wg.Wait()
	keep(t.consumer.Close())
	keep(t.producer.Close())
	if t.client != nil {
		keep(t.client.Close())
	}
	t.dedup.Close()
	return firstErr
}

// Metrics returns send and delivery counters.
func (t *Transport) Metrics() transport.Metrics {
	return transport.Metrics{Sent: t.sent.Load(), Delivered: t.delivered.Load()}
}
