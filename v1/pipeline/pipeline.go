// Package pipeline runs commands through a fixed, ordered list of stages.
// Every stage sees the command and decides whether to call the rest of the
// chain; the last stage applies the command to the node's data.
package pipeline

import "context"

// Next invokes the remainder of the chain.
type Next func(ctx context.Context, inv *Invocation, cmd *Command) error

// Stage is one link of a chain.
type Stage interface {
	Handle(ctx context.Context, inv *Invocation, cmd *Command, next Next) error
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, inv *Invocation, cmd *Command, next Next) error

func (f StageFunc) Handle(ctx context.Context, inv *Invocation, cmd *Command, next Next) error {
	return f(ctx, inv, cmd, next)
}

// Chain is an immutable ordered list of stages.
type Chain struct {
	stages []Stage
}

// NewChain composes stages in the given order.
func NewChain(stages ...Stage) *Chain {
	return &Chain{stages: append([]Stage(nil), stages...)}
}

// Invoke runs cmd through every stage.
func (c *Chain) Invoke(ctx context.Context, inv *Invocation, cmd *Command) error {
	return c.at(0)(ctx, inv, cmd)
}

// Len returns the number of stages.
func (c *Chain) Len() int { return len(c.stages) }

func (c *Chain) at(i int) Next {
	return func(ctx context.Context, inv *Invocation, cmd *Command) error {
		if i >= len(c.stages) {
			return nil
		}
		return c.stages[i].Handle(ctx, inv, cmd, c.at(i+1))
	}
}
