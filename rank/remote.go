package rank

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/settfs/sett/mdtree"
	"github.com/settfs/sett/transport"
)

// remoteLocker carries the locker's cross-rank write-grant traffic over the
// peer transport. Requests leave the executor; outcomes resubmit to it.
type remoteLocker struct {
	r *Rank
}

// WrlockRequest asks the authority rank for a write grant. done runs on the
// executor exactly once. A refusal always chases a release behind it: the
// authority may have granted after we stopped listening, and an unanswered
// grant would otherwise be held forever.
func (rl *remoteLocker) WrlockRequest(rank uint64, id mdtree.LockID, reqID uint64, done func(error)) {
	r := rl.r
	go func() {
		msg := &transport.LockMsg{
			TxnID:    reqID,
			FromRank: r.id,
			Object:   uint64(id.Object),
			LockType: uint8(id.Type),
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.policy.PrepareTimeout)
		ack, err := r.peer.SendRemoteLock(ctx, rank, msg)
		cancel()

		outcome := err
		if outcome == nil && !ack.OK {
			outcome = fmt.Errorf("wrlock refused by rank %d: %s", rank, ack.Error)
		}
		if err != nil {
			rl.release(rank, id, reqID)
		}
		if !r.ex.Submit(func() { done(outcome) }) && outcome == nil {
			// Granted but the engine is gone; hand the grant back.
			rl.release(rank, id, reqID)
		}
	}()
}

// WrlockRelease hands a granted cross-rank write lock back to its
// authority. Fire and forget; redelivery is idempotent on the serving side.
func (rl *remoteLocker) WrlockRelease(rank uint64, id mdtree.LockID, reqID uint64) {
	go rl.release(rank, id, reqID)
}

func (rl *remoteLocker) release(rank uint64, id mdtree.LockID, reqID uint64) {
	msg := &transport.LockMsg{
		TxnID:    reqID,
		FromRank: rl.r.id,
		Object:   uint64(id.Object),
		LockType: uint8(id.Type),
	}
	if err := rl.r.peer.SendRemoteLockRelease(rank, msg); err != nil {
		log.Warn().Err(err).Uint64("rank", rank).Str("lock", id.String()).
			Msg("Remote wrlock release failed, authority will drop it on our death")
	}
}
