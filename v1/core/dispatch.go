package core

import (
	"context"
	"errors"
	"sync"
	"time"

	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/metrics"
	"github.com/mirkobrombin/warp-tx/v1/pipeline"
	"github.com/mirkobrombin/warp-tx/v1/txn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// dispatcher runs inbound commands. Commands of one transaction run one at
// a time in arrival order; different transactions run concurrently, so a
// command blocked on a lock never holds up another transaction's outcome.
type dispatcher[T any] struct {
	n       *Node[T]
	log     *zap.Logger
	lateLog rate.Sometimes

	mu      sync.Mutex
	workers map[txn.ID]*worker
	closed  bool
	wg      sync.WaitGroup
}

type inbound struct {
	from string
	cmd  pipeline.Command
}

type worker struct {
	pending []inbound
}

func newDispatcher[T any](n *Node[T]) *dispatcher[T] {
	return &dispatcher[T]{
		n:       n,
		log:     n.log.Named("inbound"),
		lateLog: rate.Sometimes{First: 10, Interval: time.Second},
		workers: make(map[txn.ID]*worker),
	}
}

// handle is the transport.Handler of the node.
func (d *dispatcher[T]) handle(_ context.Context, from string, cmd pipeline.Command) {
	if cmd.Kind == pipeline.Ack {
		if !d.n.acks.deliver(from, cmd) {
			d.log.Debug("unexpected ack", zap.String("from", from), zap.Stringer("tx", cmd.Tx), zap.Stringer("acked", cmd.Acked))
		}
		return
	}
	d.enqueue(from, cmd)
}

func (d *dispatcher[T]) enqueue(from string, cmd pipeline.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	w, running := d.workers[cmd.Tx]
	if !running {
		w = &worker{}
		d.workers[cmd.Tx] = w
	}
	w.pending = append(w.pending, inbound{from: from, cmd: cmd})
	if !running {
		d.wg.Add(1)
		go d.run(cmd.Tx, w)
	}
}

func (d *dispatcher[T]) run(id txn.ID, w *worker) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(w.pending) == 0 {
			delete(d.workers, id)
			d.mu.Unlock()
			return
		}
		in := w.pending[0]
		w.pending = w.pending[1:]
		d.mu.Unlock()
		d.apply(in.from, in.cmd)
	}
}

func (d *dispatcher[T]) apply(from string, cmd pipeline.Command) {
	ctx, span := tracer.Start(context.Background(), "warptx.apply."+cmd.Kind.String(),
		trace.WithAttributes(
			attribute.String("warptx.tx", cmd.Tx.String()),
			attribute.String("warptx.from", from),
			attribute.String("warptx.node", d.n.id),
		))
	err := d.n.chain.Invoke(ctx, &pipeline.Invocation{From: from}, &cmd)
	endSpan(span, err)

	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrFinished):
		d.lateLog.Do(func() {
			d.log.Warn("dropping late command", zap.String("from", from), zap.Stringer("tx", cmd.Tx), zap.Stringer("kind", cmd.Kind), zap.Error(err))
		})
	default:
		metrics.RemoteApplyFailures.WithLabelValues(d.n.id, cmd.Kind.String()).Inc()
		d.log.Warn("remote apply failed", zap.String("from", from), zap.Stringer("tx", cmd.Tx), zap.Stringer("kind", cmd.Kind), zap.Error(err))
	}

	if !cmd.AckRequested || from == d.n.id {
		return
	}
	ack := pipeline.Command{Kind: pipeline.Ack, Tx: cmd.Tx, Origin: d.n.id, Acked: cmd.Kind, OK: ackOK(cmd.Kind, err)}
	if !ack.OK {
		ack.Reason = err.Error()
	}
	if err := d.n.tr.Send(context.Background(), from, ack); err != nil {
		d.log.Error("ack send failed", zap.String("to", from), zap.Stringer("tx", cmd.Tx), zap.Error(err))
	}
}

// ackOK decides whether an outcome command counts as applied. Repeating an
// outcome that already happened, or rolling back a transaction this node
// never saw, is a success.
func ackOK(kind pipeline.Kind, err error) bool {
	if err == nil {
		return true
	}
	var fe *pipeline.FinishedError
	if errors.As(err, &fe) {
		return (kind == pipeline.Commit && fe.State == txn.Committed) ||
			(kind == pipeline.Rollback && fe.State == txn.RolledBack)
	}
	return kind == pipeline.Rollback && errors.Is(err, warperrors.ErrUnknownTx)
}

func (d *dispatcher[T]) close() {
	d.mu.Lock()
	d.closed = true
	for _, w := range d.workers {
		w.pending = nil
	}
	d.mu.Unlock()
	d.wg.Wait()
}
