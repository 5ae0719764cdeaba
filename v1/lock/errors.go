package lock

import (
	"fmt"
	"time"

	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/txn"
)

// DeadlockError is returned to the losing side of a deadlock.
type DeadlockError struct {
	Requester txn.ID
	Holder    txn.ID
	Key       string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock detected: %s waiting for %q held by %s", e.Requester, e.Key, e.Holder)
}

func (e *DeadlockError) Is(target error) bool { return target == warperrors.ErrDeadlockDetected }

// TimeoutError is returned when a lock wait runs out of time.
type TimeoutError struct {
	Tx      txn.ID
	Holder  txn.ID
	Key     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock timeout: %s waited %s for %q held by %s", e.Tx, e.Timeout, e.Key, e.Holder)
}

func (e *TimeoutError) Is(target error) bool { return target == warperrors.ErrLockTimeout }
