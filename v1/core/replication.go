package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/pipeline"
	"github.com/mirkobrombin/warp-tx/v1/transport"
	"github.com/mirkobrombin/warp-tx/v1/txn"
	"go.uber.org/zap"
)

// replicationStage forwards a local transaction's writes to every peer when
// it prepares, and its outcome after the local commit or rollback. Inbound
// commands pass through untouched.
type replicationStage[T any] struct {
	n   *Node[T]
	log *zap.Logger
}

func (s *replicationStage[T]) Handle(ctx context.Context, inv *pipeline.Invocation, cmd *pipeline.Command, next pipeline.Next) error {
	if !inv.OriginLocal || len(s.n.peers()) == 0 {
		return next(ctx, inv, cmd)
	}
	switch cmd.Kind {
	case pipeline.Prepare:
		if err := next(ctx, inv, cmd); err != nil {
			return err
		}
		s.forward(ctx, inv.Tx)
		return nil
	case pipeline.Commit:
		err := next(ctx, inv, cmd)
		if !inv.Tx.Replicated() {
			return err
		}
		return errors.Join(err, s.outcome(ctx, inv.Tx, pipeline.Commit, s.n.cfg.SyncCommitPhase))
	case pipeline.Rollback:
		err := next(ctx, inv, cmd)
		if !inv.Tx.Replicated() {
			return err
		}
		return errors.Join(err, s.outcome(ctx, inv.Tx, pipeline.Rollback, s.n.cfg.SyncRollbackPhase))
	default:
		return next(ctx, inv, cmd)
	}
}

// forward sends the buffered writes and a prepare to every peer without
// waiting for them to be applied. Send failures are logged; a peer that
// misses the writes simply never sees the transaction.
func (s *replicationStage[T]) forward(ctx context.Context, tx *txn.Context) {
	mods := tx.Modifications()
	if len(mods) == 0 {
		return
	}
	tx.MarkReplicated()
	id := tx.ID()
	for _, m := range mods {
		cmd := pipeline.Command{
			Kind:   pipeline.Put,
			Tx:     id,
			Origin: s.n.id,
			Key:    m.Key,
			Value:  m.Value,
		}
		if err := transport.Broadcast(ctx, s.n.tr, cmd); err != nil {
			s.log.Error("forward write failed", zap.Stringer("tx", id), zap.String("key", m.Key), zap.Error(err))
		} else {
			s.log.Debug("write forwarded", zap.Stringer("tx", id), zap.String("key", m.Key))
		}
	}
	if err := transport.Broadcast(ctx, s.n.tr, pipeline.Command{Kind: pipeline.Prepare, Tx: id, Origin: s.n.id}); err != nil {
		s.log.Error("forward prepare failed", zap.Stringer("tx", id), zap.Error(err))
	}
}

func (s *replicationStage[T]) outcome(ctx context.Context, tx *txn.Context, kind pipeline.Kind, acked bool) error {
	id := tx.ID()
	cmd := pipeline.Command{Kind: kind, Tx: id, Origin: s.n.id, AckRequested: acked}
	var w *ackWait
	if acked {
		w = s.n.acks.expect(id, kind, s.n.peers())
		defer s.n.acks.done(w)
	}
	if err := transport.Broadcast(ctx, s.n.tr, cmd); err != nil {
		s.log.Error("forward outcome failed", zap.Stringer("tx", id), zap.Stringer("kind", kind), zap.Error(err))
		if acked {
			return fmt.Errorf("warptx: send %s for %s: %w", kind, id, err)
		}
		return nil
	}
	if !acked {
		return nil
	}
	return w.wait(ctx, s.n.cfg.CommitTimeout)
}

type ackKey struct {
	tx   txn.ID
	kind pipeline.Kind
}

// ackRegistry routes inbound acknowledgements to the waiting outcome call.
type ackRegistry struct {
	mu    sync.Mutex
	waits map[ackKey]*ackWait
}

type ackReply struct {
	from string
	cmd  pipeline.Command
}

type ackWait struct {
	key     ackKey
	pending map[string]bool
	ch      chan ackReply
}

func newAckRegistry() *ackRegistry {
	return &ackRegistry{waits: make(map[ackKey]*ackWait)}
}

func (r *ackRegistry) expect(id txn.ID, kind pipeline.Kind, peers []string) *ackWait {
	w := &ackWait{
		key:     ackKey{tx: id, kind: kind},
		pending: make(map[string]bool, len(peers)),
		ch:      make(chan ackReply, len(peers)),
	}
	for _, p := range peers {
		w.pending[p] = true
	}
	r.mu.Lock()
	r.waits[w.key] = w
	r.mu.Unlock()
	return w
}

func (r *ackRegistry) done(w *ackWait) {
	r.mu.Lock()
	if r.waits[w.key] == w {
		delete(r.waits, w.key)
	}
	r.mu.Unlock()
}

// deliver hands an Ack to its waiter. It reports false for acks nobody is
// waiting for, e.g. after a commit timeout.
func (r *ackRegistry) deliver(from string, cmd pipeline.Command) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waits[ackKey{tx: cmd.Tx, kind: cmd.Acked}]
	if !ok || !w.pending[from] {
		return false
	}
	delete(w.pending, from)
	w.ch <- ackReply{from: from, cmd: cmd}
	return true
}

func (w *ackWait) wait(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var errs []error
	for n := cap(w.ch); n > 0; n-- {
		select {
		case r := <-w.ch:
			if !r.cmd.OK {
				errs = append(errs, &RemoteApplyError{Node: r.from, Tx: w.key.tx, Reason: r.cmd.Reason})
			}
		case <-timer.C:
			errs = append(errs, fmt.Errorf("%w: %s %s after %s", warperrors.ErrCommitTimeout, w.key.kind, w.key.tx, timeout))
			return errors.Join(errs...)
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}
