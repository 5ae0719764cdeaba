package watchbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisWatchBus keeps one Redis stream per event type so watchers on other
// processes can follow a node.
type RedisWatchBus struct {
	client  *redis.Client
	prefix  string
	maxLen  int64
	mu      sync.Mutex
	cancels map[chan Event]context.CancelFunc
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
// Streams are named prefix + type and trimmed to roughly maxLen entries.
func NewRedisWatchBus(client *redis.Client, prefix string, maxLen int64) *RedisWatchBus {
	if prefix == "" {
		prefix = "warptx:events:"
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisWatchBus{
		client:  client,
		prefix:  prefix,
		maxLen:  maxLen,
		cancels: make(map[chan Event]context.CancelFunc),
	}
}

func (b *RedisWatchBus) stream(typ EventType) string { return b.prefix + string(typ) }

// Publish appends ev to the stream of its type.
func (b *RedisWatchBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream(ev.Type),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
}

// Watch reads new entries from the streams matching typ.
func (b *RedisWatchBus) Watch(ctx context.Context, typ EventType) (chan Event, error) {
	types := AllTypes
	if typ != "" {
		types = []EventType{typ}
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.cancels[ch] = cancel
	b.mu.Unlock()

	streams := make([]string, 0, 2*len(types))
	for _, t := range types {
		streams = append(streams, b.stream(t))
	}
	ids := make([]string, len(types))
	for i := range ids {
		ids[i] = "$"
	}

	go func() {
		defer close(ch)
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: append(append([]string(nil), streams...), ids...),
				Block:   0,
				Count:   16,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			for _, s := range res {
				for i, name := range streams {
					if name != s.Stream {
						continue
					}
					for _, msg := range s.Messages {
						ids[i] = msg.ID
						raw, ok := msg.Values["data"].(string)
						if !ok {
							continue
						}
						var ev Event
						if json.Unmarshal([]byte(raw), &ev) != nil {
							continue
						}
						select {
						case ch <- ev:
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()
	return ch, nil
}

// Unwatch stops the reader behind ch. The channel is closed asynchronously.
func (b *RedisWatchBus) Unwatch(ctx context.Context, typ EventType, ch chan Event) error {
	b.mu.Lock()
	cancel, ok := b.cancels[ch]
	delete(b.cancels, ch)
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}
