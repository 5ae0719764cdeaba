package watchbus

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisWatchBus(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bus := NewRedisWatchBus(client, "", 0)
	ctx := context.Background()

	ch, err := bus.Watch(ctx, EventCommit)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	// the reader may not be blocked in XREAD yet, so publish until seen
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := bus.Publish(ctx, Event{Type: EventCommit, Tx: "A:7", Node: "A"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case ev := <-ch:
			if ev.Tx != "A:7" || ev.Node != "A" {
				t.Fatalf("unexpected %+v", ev)
			}
			n, err := client.XLen(ctx, "warptx:events:commit").Result()
			if err != nil || n == 0 {
				t.Fatalf("expected stream entries, got %d (%v)", n, err)
			}
			_ = bus.Unwatch(ctx, EventCommit, ch)
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("timeout waiting for event")
		}
	}
}
