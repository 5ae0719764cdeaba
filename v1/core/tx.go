package core

import (
	"context"
	"fmt"
	"sync"

	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/pipeline"
	"github.com/mirkobrombin/warp-tx/v1/txn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Tx is a local transaction. A Tx must not be used after Commit or
// Rollback returns; its methods are safe for concurrent use but run one at
// a time.
type Tx[T any] struct {
	n  *Node[T]
	tc *txn.Context
	mu sync.Mutex
}

// ID returns the transaction id.
func (t *Tx[T]) ID() txn.ID { return t.tc.ID() }

// State returns the current state.
func (t *Tx[T]) State() txn.State { return t.tc.State() }

func (t *Tx[T]) invoke(ctx context.Context, cmd *pipeline.Command) error {
	cmd.Tx = t.tc.ID()
	cmd.Origin = t.n.id
	return t.n.chain.Invoke(ctx, &pipeline.Invocation{Tx: t.tc, OriginLocal: true}, cmd)
}

func (t *Tx[T]) span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("warptx.tx", t.tc.ID().String()), attribute.String("warptx.node", t.n.id))
	return tracer.Start(ctx, "warptx.Tx."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Put locks key and buffers value. A deadlock or lock timeout rolls the
// transaction back before the error is returned.
func (t *Tx[T]) Put(ctx context.Context, key string, value T) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, span := t.span(ctx, "Put", attribute.String("warptx.key", key))
	defer func() { endSpan(span, err) }()

	data, err := t.n.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("warptx: encode %q: %w", key, err)
	}
	err = t.invoke(ctx, &pipeline.Command{Kind: pipeline.Put, Key: key, Value: data})
	if err != nil && forcesRollback(err) {
		if rbErr := t.rollbackLocked(ctx); rbErr != nil {
			t.n.log.Error("forced rollback failed", zap.Stringer("tx", t.tc.ID()), zap.Error(rbErr))
		}
	}
	return err
}

// Get returns the value of key as seen by the transaction: its own
// buffered write if any, else the committed value.
func (t *Tx[T]) Get(ctx context.Context, key string) (T, bool, error) {
	if data, ok := t.tc.Lookup(key); ok {
		var v T
		if err := t.n.codec.Unmarshal(data, &v); err != nil {
			return v, false, fmt.Errorf("warptx: decode %q: %w", key, err)
		}
		return v, true, nil
	}
	return t.n.container.Get(ctx, key)
}

// Commit prepares and commits the transaction. Once the local commit is
// done, a failure to collect peer acknowledgements is reported as
// ErrCommitTimeout or a *RemoteApplyError; the local result stands.
func (t *Tx[T]) Commit(ctx context.Context) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, span := t.span(ctx, "Commit")
	defer func() { endSpan(span, err) }()

	if st := t.tc.State(); st != txn.Active {
		return fmt.Errorf("%w: %s is %s", warperrors.ErrTxNotActive, t.tc.ID(), st)
	}
	if err := t.invoke(ctx, &pipeline.Command{Kind: pipeline.Prepare}); err != nil {
		if rbErr := t.rollbackLocked(ctx); rbErr != nil {
			t.n.log.Error("rollback after failed prepare", zap.Stringer("tx", t.tc.ID()), zap.Error(rbErr))
		}
		return err
	}
	return t.invoke(ctx, &pipeline.Command{Kind: pipeline.Commit})
}

// Rollback discards buffered writes and releases every lock. Rolling back
// a finished transaction does nothing.
func (t *Tx[T]) Rollback(ctx context.Context) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, span := t.span(ctx, "Rollback")
	defer func() { endSpan(span, err) }()
	return t.rollbackLocked(ctx)
}

func (t *Tx[T]) rollbackLocked(ctx context.Context) error {
	if t.tc.State().Finished() {
		return nil
	}
	return t.invoke(ctx, &pipeline.Command{Kind: pipeline.Rollback})
}
