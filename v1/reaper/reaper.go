package reaper

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/warp-tx/v1/txn"
	"go.uber.org/zap"
)

// Mode defines reaper behaviour.
type Mode int

const (
	// ModeAlert only logs idle remote transactions.
	ModeAlert Mode = iota
	// ModeReap rolls them back.
	ModeReap
)

// Target is the node whose remote transactions are reaped.
type Target interface {
	Remotes() []*txn.Context
	RollbackRemote(ctx context.Context, id txn.ID) error
}

// Metrics counts reaper activity.
type Metrics struct {
	Scans  uint64
	Idle   uint64
	Reaped uint64
}

// Reaper periodically rolls back remote transactions that have been idle
// for longer than a timeout, e.g. because their outcome command was lost.
type Reaper struct {
	target   Target
	mode     Mode
	timeout  time.Duration
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	scans  atomic.Uint64
	idle   atomic.Uint64
	reaped atomic.Uint64
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithMode sets the reaper mode. The default is ModeReap.
func WithMode(m Mode) Option {
	return func(r *Reaper) { r.mode = m }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reaper) {
		if l != nil {
			r.log = l.Named("reaper")
		}
	}
}

// New creates a new Reaper.
func New(target Target, timeout, interval time.Duration, opts ...Option) *Reaper {
	r := &Reaper{
		target:   target,
		mode:     ModeReap,
		timeout:  timeout,
		interval: interval,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the scan loop and blocks until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	if r.target == nil || r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Scan(ctx)
		}
	}
}

// Scan runs a single pass and returns the number of transactions found idle.
func (r *Reaper) Scan(ctx context.Context) int {
	r.scans.Add(1)
	now := r.now()
	found := 0
	for _, tx := range r.target.Remotes() {
		if tx.State().Finished() || now.Sub(tx.LastActive()) < r.timeout {
			continue
		}
		found++
		r.idle.Add(1)
		if r.mode != ModeReap {
			r.log.Warn("idle remote transaction",
				zap.Stringer("tx", tx.ID()),
				zap.Duration("idle", now.Sub(tx.LastActive())),
				zap.Strings("locks", tx.LockedKeys()))
			continue
		}
		if err := r.target.RollbackRemote(ctx, tx.ID()); err != nil {
			r.log.Error("reap failed", zap.Stringer("tx", tx.ID()), zap.Error(err))
			continue
		}
		r.reaped.Add(1)
		r.log.Info("remote transaction reaped", zap.Stringer("tx", tx.ID()), zap.Int("locks", tx.NumLocks()))
	}
	return found
}

// Metrics returns the reaper counters.
func (r *Reaper) Metrics() Metrics {
	return Metrics{Scans: r.scans.Load(), Idle: r.idle.Load(), Reaped: r.reaped.Load()}
}
