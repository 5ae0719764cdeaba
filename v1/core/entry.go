package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/mirkobrombin/warp-tx/v1/adapter"
	"github.com/mirkobrombin/warp-tx/v1/pipeline"
	"github.com/mirkobrombin/warp-tx/v1/txn"
)

// entryStage is the last stage. Writes are buffered on the transaction
// context and reach the container only when the transaction commits.
type entryStage[T any] struct {
	n *Node[T]
}

func (s *entryStage[T]) Handle(ctx context.Context, inv *pipeline.Invocation, cmd *pipeline.Command, _ pipeline.Next) error {
	switch cmd.Kind {
	case pipeline.Put:
		inv.Tx.AddModification(cmd.Key, cmd.Value)
	case pipeline.Prepare:
		return s.check(inv.Tx)
	case pipeline.Commit:
		return s.apply(ctx, inv.Tx)
	case pipeline.Rollback:
		inv.Tx.ClearModifications()
	}
	return nil
}

// check makes sure every buffered value decodes before the commit.
func (s *entryStage[T]) check(tx *txn.Context) error {
	for _, m := range tx.Modifications() {
		var v T
		if err := s.n.codec.Unmarshal(m.Value, &v); err != nil {
			return fmt.Errorf("warptx: decode %q: %w", m.Key, err)
		}
	}
	return nil
}

func (s *entryStage[T]) apply(ctx context.Context, tx *txn.Context) error {
	mods := tx.Modifications()
	defer tx.ClearModifications()
	entries := make([]adapter.Entry[T], 0, len(mods))
	var errs []error
	for _, m := range mods {
		var v T
		if err := s.n.codec.Unmarshal(m.Value, &v); err != nil {
			errs = append(errs, fmt.Errorf("warptx: decode %q: %w", m.Key, err))
			continue
		}
		if err := s.n.container.Set(ctx, m.Key, v, 0); err != nil {
			errs = append(errs, fmt.Errorf("warptx: apply %q: %w", m.Key, err))
			continue
		}
		entries = append(entries, adapter.Entry[T]{Key: m.Key, Value: v})
	}
	if s.n.store != nil {
		if err := adapter.WriteCommitted(context.WithoutCancel(ctx), s.n.store, entries); err != nil {
			errs = append(errs, fmt.Errorf("warptx: write-through: %w", err))
		}
	}
	return errors.Join(errs...)
}
