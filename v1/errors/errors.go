package errors

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLockTimeout is returned when a lock could not be obtained within
	// the acquisition timeout and no deadlock was detected.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrDeadlockDetected is returned to the transaction chosen as the loser
	// of a deadlock. The transaction has been rolled back.
	ErrDeadlockDetected = errors.New("deadlock detected")
	// ErrRemoteApply reports that a peer failed to apply a replicated command.
	ErrRemoteApply = errors.New("remote apply failure")
	// ErrInvariantViolation signals an internal consistency error.
	ErrInvariantViolation = errors.New("internal invariant violation")
	ErrTxNotActive        = errors.New("transaction not active")
	ErrUnknownTx          = errors.New("unknown transaction")
	ErrCommitTimeout      = errors.New("commit acknowledgement timeout")
)

// Invariant returns an error wrapping ErrInvariantViolation.
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}
