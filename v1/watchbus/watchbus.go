// Package watchbus streams transaction lifecycle events to observers.
package watchbus

import (
	"context"
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventBegin    EventType = "begin"
	EventCommit   EventType = "commit"
	EventRollback EventType = "rollback"
	EventDeadlock EventType = "deadlock"
	EventTimeout  EventType = "timeout"
)

// AllTypes lists every event type.
var AllTypes = []EventType{EventBegin, EventCommit, EventRollback, EventDeadlock, EventTimeout}

// Event is one lifecycle observation made on Node.
type Event struct {
	Type EventType `json:"type"`
	Tx   string    `json:"tx"`
	Node string    `json:"node"`
	// Key is set for deadlock and timeout events.
	Key    string    `json:"key,omitempty"`
	Remote bool      `json:"remote,omitempty"`
	At     time.Time `json:"at"`
}

// WatchBus delivers events to watchers. Slow watchers miss events rather
// than block publishers.
type WatchBus interface {
	Publish(ctx context.Context, ev Event) error
	// Watch subscribes to events of type typ, or of every type when typ is
	// empty. The channel is closed when ctx ends or Unwatch is called.
	Watch(ctx context.Context, typ EventType) (chan Event, error)
	Unwatch(ctx context.Context, typ EventType, ch chan Event) error
}
