package adapter

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mirkobrombin/warp-tx/v1/cache"
	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	redis "github.com/redis/go-redis/v9"
)

const defaultRedisOpTimeout = 5 * time.Second

// RedisStore implements Store on Redis strings. Keys are namespaced with a
// prefix so several clusters can share one Redis.
type RedisStore[T any] struct {
	client  *redis.Client
	timeout time.Duration
	prefix  string
	codec   cache.Codec
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	prefix  string
	codec   cache.Codec
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) { o.timeout = d }
}

// WithPrefix sets the key namespace. The default is "warptx:".
func WithPrefix(p string) RedisOption {
	return func(o *redisStoreOptions) { o.prefix = p }
}

// WithCodec sets the value codec. JSON is the default.
func WithCodec(c cache.Codec) RedisOption {
	return func(o *redisStoreOptions) { o.codec = c }
}

// NewRedisStore returns a RedisStore using client.
func NewRedisStore[T any](client *redis.Client, opts ...RedisOption) *RedisStore[T] {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, prefix: "warptx:", codec: cache.JSONCodec{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore[T]{client: client, timeout: o.timeout, prefix: o.prefix, codec: o.codec}
}

// mapErr translates context and connection errors to warp errors.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	case errors.Is(err, redis.ErrClosed):
		return warperrors.ErrConnectionClosed
	}
	return err
}

// Get implements Store.Get.
func (s *RedisStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, mapErr(err)
	}
	var v T
	if err := s.codec.Unmarshal(data, &v); err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// Set implements Store.Set.
func (s *RedisStore[T]) Set(ctx context.Context, key string, value T) error {
	if err := ctx.Err(); err != nil {
		return mapErr(err)
	}
	data, err := s.codec.Marshal(value)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return mapErr(s.client.Set(cctx, s.prefix+key, data, 0).Err())
}

// Keys implements Store.Keys by scanning the prefix.
func (s *RedisStore[T]) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var keys []string
	iter := s.client.Scan(cctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(cctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, mapErr(err)
	}
	return keys, nil
}

// Batch implements Batcher.Batch. Commit runs a MULTI/EXEC pipeline.
func (s *RedisStore[T]) Batch(ctx context.Context) (Batch[T], error) {
	return &redisBatch[T]{s: s}, nil
}

type redisBatch[T any] struct {
	s   *RedisStore[T]
	ops []op[T]
}

func (b *redisBatch[T]) Set(ctx context.Context, key string, value T) error {
	b.ops = append(b.ops, op[T]{key: key, value: value})
	return nil
}

func (b *redisBatch[T]) Delete(ctx context.Context, key string) error {
	b.ops = append(b.ops, op[T]{key: key, delete: true})
	return nil
}

func (b *redisBatch[T]) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return mapErr(err)
	}
	cctx, cancel := context.WithTimeout(ctx, b.s.timeout)
	defer cancel()
	pipe := b.s.client.TxPipeline()
	for _, o := range b.ops {
		if o.delete {
			pipe.Del(cctx, b.s.prefix+o.key)
			continue
		}
		data, err := b.s.codec.Marshal(o.value)
		if err != nil {
			return err
		}
		pipe.Set(cctx, b.s.prefix+o.key, data, 0)
	}
	_, err := pipe.Exec(cctx)
	return mapErr(err)
}
