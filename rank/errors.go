package rank

import (
	"errors"
	"fmt"

	"github.com/settfs/sett/common"
)

// ErrStopped is returned by Submit once the rank is shutting down.
var ErrStopped = errors.New("rank stopped")

// ErrKilled resolves a transaction torn down by an operator kill.
var ErrKilled = errors.New("transaction killed")

// ErrRetriesExhausted resolves a transaction that burned its whole retry
// budget on recoverable refusals.
var ErrRetriesExhausted = errors.New("retry budget exhausted")

// OpError rejects an operation before it enters the pipeline: unknown
// objects, missing updates, a kind the rank does not drive.
type OpError struct {
	Op     common.OpKind
	Reason string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
}

// ParticipantFailureError aborts a distributed transaction because one
// participant refused, failed or timed out during prepare.
type ParticipantFailureError struct {
	TxnID uint64
	Rank  uint64
	Cause error
}

func (e *ParticipantFailureError) Error() string {
	return fmt.Sprintf("txn %016x: participant rank %d failed prepare: %v", e.TxnID, e.Rank, e.Cause)
}

func (e *ParticipantFailureError) Unwrap() error { return e.Cause }

// MasterFailureError resolves a prepared participant record whose master
// rank died before sending a decision. The update has been rolled back.
type MasterFailureError struct {
	TxnID uint64
	Rank  uint64
}

func (e *MasterFailureError) Error() string {
	return fmt.Sprintf("txn %016x: master rank %d died undecided, rolled back", e.TxnID, e.Rank)
}
