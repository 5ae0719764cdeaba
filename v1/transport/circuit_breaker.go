package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mirkobrombin/warp-tx/v1/pipeline"
)

var ErrCircuitOpen = errors.New("transport: circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Transport so repeated send failures fail fast
// for a cooldown period instead of piling up on a dead peer.
type CircuitBreaker struct {
	Transport
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	cooldown  time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker opens after threshold consecutive failures and probes
// again after cooldown.
func NewCircuitBreaker(t Transport, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{Transport: t, threshold: threshold, cooldown: cooldown}
}

// IsHealthy reports whether sends are currently allowed.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state != stateOpen || time.Since(cb.lastFail) > cb.cooldown
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.cooldown {
			cb.state = stateHalfOpen
			return true
		}
	}
	// half-open admits a single probe
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.state = stateClosed
		cb.failures = 0
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// Send implements Transport.Send.
func (cb *CircuitBreaker) Send(ctx context.Context, to string, cmd pipeline.Command) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.Transport.Send(ctx, to, cmd)
	cb.record(err)
	return err
}
