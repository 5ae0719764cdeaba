package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/warp-tx/v1/cache")

// Cache is a key/value container.
type Cache[T any] interface {
	// Get returns the value for key and whether it was found.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores value under key. A non-positive ttl never expires.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// InMemoryCache is an LRU map with optional per-entry expiry.
type InMemoryCache[T any] struct {
	mu         sync.Mutex
	items      map[string]*item[T]
	order      *list.List
	maxEntries int

	hits   atomic.Uint64
	misses atomic.Uint64

	sweepInterval time.Duration
	stop          chan struct{}
	wg            sync.WaitGroup
	closeOnce     sync.Once

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
	traceEnabled    bool
}

type item[T any] struct {
	key       string
	value     T
	expiresAt time.Time
	element   *list.Element
}

func (it *item[T]) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && now.After(it.expiresAt)
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption[T any] func(*InMemoryCache[T])

// WithSweepInterval sets how often expired entries are purged. Zero disables
// the sweeper; expired entries are then dropped lazily on Get.
func WithSweepInterval[T any](d time.Duration) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) { c.sweepInterval = d }
}

// WithMaxEntries bounds the cache size; the least recently used entry is
// evicted first.
func WithMaxEntries[T any](n int) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) { c.maxEntries = n }
}

// WithMetrics registers hit, miss and eviction counters named
// warptx_<name>_*_total on reg.
func WithMetrics[T any](reg prometheus.Registerer, name string) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warptx_" + name + "_hits_total",
			Help: "Total number of " + name + " hits",
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warptx_" + name + "_misses_total",
			Help: "Total number of " + name + " misses",
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warptx_" + name + "_evictions_total",
			Help: "Total number of " + name + " evictions",
		})
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter)
	}
}

// WithTracing enables OpenTelemetry spans for cache operations.
func WithTracing[T any]() InMemoryOption[T] {
	return func(c *InMemoryCache[T]) { c.traceEnabled = true }
}

const defaultSweepInterval = time.Minute

// NewInMemory returns an empty cache. The sweeper runs every minute unless
// configured otherwise.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemoryCache[T] {
	c := &InMemoryCache[T]{
		items:         make(map[string]*item[T]),
		order:         list.New(),
		sweepInterval: defaultSweepInterval,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

func (c *InMemoryCache[T]) span(ctx context.Context, op string) (context.Context, trace.Span) {
	if !c.traceEnabled {
		return ctx, nil
	}
	return tracer.Start(ctx, op)
}

// Get implements Cache.Get.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	ctx, span := c.span(ctx, "Cache.Get")
	if span != nil {
		defer span.End()
	}
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	c.mu.Lock()
	it, ok := c.items[key]
	if ok && it.expired(time.Now()) {
		c.removeLocked(it)
		ok = false
	}
	if ok {
		c.order.MoveToFront(it.element)
	}
	c.mu.Unlock()

	result := "hit"
	if ok {
		c.hits.Add(1)
		if c.hitCounter != nil {
			c.hitCounter.Inc()
		}
	} else {
		result = "miss"
		c.misses.Add(1)
		if c.missCounter != nil {
			c.missCounter.Inc()
		}
	}
	if span != nil {
		span.SetAttributes(attribute.String("warptx.cache.result", result))
	}
	if !ok {
		return zero, false, nil
	}
	return it.value, true, nil
}

// Set implements Cache.Set.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	ctx, span := c.span(ctx, "Cache.Set")
	if span != nil {
		defer span.End()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		it.value = value
		it.expiresAt = exp
		c.order.MoveToFront(it.element)
		return nil
	}
	it := &item[T]{key: key, value: value, expiresAt: exp}
	it.element = c.order.PushFront(it)
	c.items[key] = it
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		if tail := c.order.Back(); tail != nil {
			c.removeLocked(tail.Value.(*item[T]))
		}
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *InMemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	ctx, span := c.span(ctx, "Cache.Invalidate")
	if span != nil {
		defer span.End()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if it, ok := c.items[key]; ok {
		c.removeLocked(it)
	}
	c.mu.Unlock()
	return nil
}

// Keys returns the live keys in most recently used order.
func (c *InMemoryCache[T]) Keys() []string {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for e := c.order.Front(); e != nil; e = e.Next() {
		if it := e.Value.(*item[T]); !it.expired(now) {
			keys = append(keys, it.key)
		}
	}
	return keys
}

func (c *InMemoryCache[T]) removeLocked(it *item[T]) {
	c.order.Remove(it.element)
	delete(c.items, it.key)
	if c.evictionCounter != nil {
		c.evictionCounter.Inc()
	}
}

func (c *InMemoryCache[T]) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for _, it := range c.items {
				if it.expired(now) {
					c.removeLocked(it)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

// Close stops the sweeper and drops every entry.
func (c *InMemoryCache[T]) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		c.mu.Lock()
		c.items = make(map[string]*item[T])
		c.order.Init()
		c.mu.Unlock()
	})
}

// Stats reports basic cache usage.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current usage counters.
func (c *InMemoryCache[T]) Metrics() Stats {
	c.mu.Lock()
	size := len(c.items)
	c.mu.Unlock()
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Size: size}
}
