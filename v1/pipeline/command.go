package pipeline

import (
	"errors"
	"fmt"

	"github.com/mirkobrombin/warp-tx/v1/txn"
)

// Kind identifies a command.
type Kind int

const (
	Put Kind = iota
	Prepare
	Commit
	Rollback
	// Ack answers a Commit or Rollback sent with AckRequested.
	Ack
)

func (k Kind) String() string {
	switch k {
	case Put:
		return "put"
	case Prepare:
		return "prepare"
	case Commit:
		return "commit"
	case Rollback:
		return "rollback"
	case Ack:
		return "ack"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Command is the unit flowing through a chain and over the wire.
type Command struct {
	Kind   Kind   `json:"kind"`
	Tx     txn.ID `json:"tx"`
	Origin string `json:"origin"`
	Key    string `json:"key,omitempty"`
	Value  []byte `json:"value,omitempty"`

	AckRequested bool `json:"ack_requested,omitempty"`

	// Set on Ack only.
	Acked  Kind   `json:"acked,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Invocation carries per-call context through the chain.
type Invocation struct {
	// Tx is nil for inbound commands until the transaction stage resolves it.
	Tx          *txn.Context
	OriginLocal bool
	// From is the sending node of an inbound command.
	From string
}

// ErrFinished marks commands addressed to a transaction that already ended.
var ErrFinished = errors.New("pipeline: transaction already finished")

// FinishedError is returned for late commands.
type FinishedError struct {
	Tx    txn.ID
	State txn.State
}

func (e *FinishedError) Error() string {
	return fmt.Sprintf("pipeline: transaction %s already %s", e.Tx, e.State)
}

func (e *FinishedError) Is(target error) bool { return target == ErrFinished }
