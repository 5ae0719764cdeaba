package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mirkobrombin/warp-tx/v1/cache"
	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/txn"
	"go.uber.org/zap"
)

// Locker is the subset of the lock manager used by LockingStage.
type Locker interface {
	Acquire(ctx context.Context, key string, id txn.ID) error
	ReleaseAll(id txn.ID) error
}

// LockingStage takes the key lock before a Put reaches the data and frees
// every lock once a Commit or Rollback has been applied.
type LockingStage struct {
	Locks Locker
}

func (s *LockingStage) Handle(ctx context.Context, inv *Invocation, cmd *Command, next Next) error {
	id := inv.Tx.ID()
	switch cmd.Kind {
	case Put:
		if err := s.Locks.Acquire(ctx, cmd.Key, id); err != nil {
			return err
		}
		return next(ctx, inv, cmd)
	case Commit, Rollback:
		err := next(ctx, inv, cmd)
		return errors.Join(err, s.Locks.ReleaseAll(id))
	default:
		return next(ctx, inv, cmd)
	}
}

// TxStage resolves inbound commands to transaction contexts, drives state
// transitions and removes finished transactions from the table.
type TxStage struct {
	Table *txn.Table
	// Tombstones remembers finished remote transactions. Optional.
	Tombstones   cache.Cache[txn.State]
	TombstoneTTL time.Duration
	Log          *zap.Logger
	// OnBegin and OnFinish observe transaction lifecycle. Optional.
	OnBegin  func(tx *txn.Context)
	OnFinish func(tx *txn.Context, state txn.State)
}

func (s *TxStage) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *TxStage) Handle(ctx context.Context, inv *Invocation, cmd *Command, next Next) error {
	if inv.Tx == nil {
		tx, err := s.resolve(ctx, cmd)
		if err != nil {
			return err
		}
		inv.Tx = tx
	}
	tx := inv.Tx
	switch cmd.Kind {
	case Put:
		if st := tx.State(); st != txn.Active {
			return fmt.Errorf("%w: %s is %s", warperrors.ErrTxNotActive, tx.ID(), st)
		}
		tx.Touch()
		err := next(ctx, inv, cmd)
		if err != nil && tx.IsRemote() {
			s.abortRemote(ctx, inv, cmd, next, err)
		}
		return err
	case Prepare:
		if err := s.Table.MarkState(tx.ID(), txn.Preparing); err != nil {
			return err
		}
		return next(ctx, inv, cmd)
	case Commit:
		if st := tx.State(); st != txn.Preparing {
			return warperrors.Invariant("commit of %s in state %s", tx.ID(), st)
		}
		err := next(ctx, inv, cmd)
		return errors.Join(err, s.finish(ctx, tx, txn.Committed))
	case Rollback:
		if tx.State().Finished() {
			return nil
		}
		err := next(ctx, inv, cmd)
		return errors.Join(err, s.finish(ctx, tx, txn.RolledBack))
	default:
		return next(ctx, inv, cmd)
	}
}

func (s *TxStage) resolve(ctx context.Context, cmd *Command) (*txn.Context, error) {
	if tx, ok := s.Table.Lookup(cmd.Tx); ok {
		return tx, nil
	}
	if s.Tombstones != nil {
		if st, ok, _ := s.Tombstones.Get(ctx, cmd.Tx.String()); ok {
			return nil, &FinishedError{Tx: cmd.Tx, State: st}
		}
	}
	if cmd.Kind != Put && cmd.Kind != Prepare {
		return nil, fmt.Errorf("%w: %s", warperrors.ErrUnknownTx, cmd.Tx)
	}
	tx, created := s.Table.GetOrRegisterRemote(cmd.Tx)
	if created {
		s.logger().Debug("remote transaction registered", zap.Stringer("tx", cmd.Tx), zap.String("origin", cmd.Origin))
		if s.OnBegin != nil {
			s.OnBegin(tx)
		}
	}
	return tx, nil
}

// abortRemote rolls back a remote transaction whose write failed here. The
// origin is not told; it learns nothing until its own conflicts surface.
func (s *TxStage) abortRemote(ctx context.Context, inv *Invocation, cmd *Command, next Next, cause error) {
	s.logger().Warn("remote write failed, rolling back",
		zap.Stringer("tx", inv.Tx.ID()),
		zap.String("key", cmd.Key),
		zap.Error(cause))
	rb := &Command{Kind: Rollback, Tx: cmd.Tx, Origin: cmd.Origin}
	if err := next(ctx, inv, rb); err != nil {
		s.logger().Error("remote rollback failed", zap.Stringer("tx", inv.Tx.ID()), zap.Error(err))
	}
	if err := s.finish(ctx, inv.Tx, txn.RolledBack); err != nil {
		s.logger().Error("remote cleanup failed", zap.Stringer("tx", inv.Tx.ID()), zap.Error(err))
	}
}

func (s *TxStage) finish(ctx context.Context, tx *txn.Context, state txn.State) error {
	id := tx.ID()
	if err := s.Table.MarkState(id, state); err != nil {
		return err
	}
	if tx.IsRemote() && s.Tombstones != nil {
		if err := s.Tombstones.Set(context.WithoutCancel(ctx), id.String(), state, s.TombstoneTTL); err != nil {
			s.logger().Warn("tombstone not stored", zap.Stringer("tx", id), zap.Stringer("state", state), zap.Error(err))
		}
	}
	if err := s.Table.Remove(id); err != nil {
		return err
	}
	if s.OnFinish != nil {
		s.OnFinish(tx, state)
	}
	return nil
}
