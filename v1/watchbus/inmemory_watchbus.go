package watchbus

import (
	"context"
	"sync"
)

const allKey = "*"

// InMemoryWatchBus is an in-memory implementation of WatchBus.
type InMemoryWatchBus struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{subs: make(map[string][]chan Event)}
}

func subKey(typ EventType) string {
	if typ == "" {
		return allKey
	}
	return string(typ)
}

// Publish sends ev to watchers of its type and to catch-all watchers.
func (b *InMemoryWatchBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	chans := append([]chan Event(nil), b.subs[string(ev.Type)]...)
	chans = append(chans, b.subs[allKey]...)
	// delivery happens under the lock so Unwatch cannot close a channel mid-send
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
	return nil
}

// Watch subscribes to typ and returns a channel receiving events.
func (b *InMemoryWatchBus) Watch(ctx context.Context, typ EventType) (chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, 16)
	key := subKey(typ)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), typ, ch)
	}()
	return ch, nil
}

// Unwatch removes ch from the watchers of typ. Unknown channels are ignored.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, typ EventType, ch chan Event) error {
	key := subKey(typ)
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	return nil
}

// Watchers returns the number of registered watchers.
func (b *InMemoryWatchBus) Watchers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.subs {
		n += len(s)
	}
	return n
}
