package core

import (
	"errors"
	"fmt"

	warperrors "github.com/mirkobrombin/warp-tx/v1/errors"
	"github.com/mirkobrombin/warp-tx/v1/txn"
)

// ErrClosed is returned by operations on a closed node.
var ErrClosed = errors.New("warptx: node closed")

// RemoteApplyError reports that Node failed to apply a replicated command
// for Tx. It is only returned when acknowledgements were requested.
type RemoteApplyError struct {
	Node   string
	Tx     txn.ID
	Reason string
}

func (e *RemoteApplyError) Error() string {
	return fmt.Sprintf("warptx: node %s failed to apply %s: %s", e.Node, e.Tx, e.Reason)
}

func (e *RemoteApplyError) Is(target error) bool { return target == warperrors.ErrRemoteApply }

// forcesRollback reports whether err ends the transaction that hit it.
func forcesRollback(err error) bool {
	return errors.Is(err, warperrors.ErrDeadlockDetected) || errors.Is(err, warperrors.ErrLockTimeout)
}
