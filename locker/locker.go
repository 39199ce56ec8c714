package locker

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/settfs/sett/mdtree"
	"github.com/settfs/sett/telemetry"
)

// localMask selects the grant kinds taken on this rank's lock instances.
const localMask = ModeRdlock | ModeWrlock | ModeXlock | ModeStatePin

// Grant is one held lock mode, recorded in acquisition order.
type Grant struct {
	Lock       *mdtree.Lock
	Mode       Mode
	RemoteRank uint64 // authority holding the grant when ModeRemoteWrlock is set
	FromCache  bool   // borrowed from a lock cache, stays granted on release
}

// covers reports whether the grant satisfies a request for mode, counting
// subsumption: exclusive covers everything, write covers read.
func (g Grant) covers(mode Mode) bool {
	held := g.Mode
	if held&ModeXlock != 0 {
		held |= ModeRdlock | ModeWrlock | ModeStatePin
	}
	if held&ModeWrlock != 0 {
		held |= ModeRdlock
	}
	return held&mode == mode
}

// Ledger records the grants a transaction holds, in acquisition order. It is
// owned by the transaction and only touched on the rank executor.
type Ledger struct {
	grants []Grant
}

func (ld *Ledger) Grants() []Grant { return ld.grants }
func (ld *Ledger) Len() int        { return len(ld.grants) }
func (ld *Ledger) Empty() bool     { return len(ld.grants) == 0 }

// Holds reports whether a recorded grant covers mode on the lock.
func (ld *Ledger) Holds(id mdtree.LockID, mode Mode) bool {
	for _, g := range ld.grants {
		if g.Lock.ID() == id && g.covers(mode) {
			return true
		}
	}
	return false
}

// RecordRemote notes a write grant the authority rank took on our behalf.
func (ld *Ledger) RecordRemote(l *mdtree.Lock, rank uint64) {
	ld.record(Grant{Lock: l, Mode: ModeRemoteWrlock, RemoteRank: rank})
}

// RecordCached notes grants borrowed from a lock cache. They are skipped on
// release; the cache keeps holding them.
func (ld *Ledger) RecordCached(l *mdtree.Lock, mode Mode) {
	ld.record(Grant{Lock: l, Mode: mode, FromCache: true})
}

// Take surrenders every recorded grant to the caller, emptying the ledger.
// A lock cache adopting a transaction's grants takes them instead of letting
// release drop them.
func (ld *Ledger) Take() []Grant {
	g := ld.grants
	ld.grants = nil
	return g
}

func (ld *Ledger) record(g Grant) { ld.grants = append(ld.grants, g) }
func (ld *Ledger) truncate(n int) { ld.grants = ld.grants[:n] }
func (ld *Ledger) clear()         { ld.grants = nil }

// Txn is the transaction-side surface acquisition needs. Implemented by
// mutation contexts; every method runs on the rank executor.
type Txn interface {
	ReqID() uint64

	// Ledger returns the transaction's held-grant record.
	Ledger() *Ledger

	// IsAuthPinned reports whether the transaction already auth-pinned the
	// node. AuthPin takes and records the pin; it must be idempotent.
	IsAuthPinned(n *mdtree.Node) bool
	AuthPin(n *mdtree.Node)

	// StartLocking and FinishLocking bracket the single lock the
	// transaction is parked on while acquiring.
	StartLocking(l *mdtree.Lock)
	FinishLocking()
}

// RemoteLocker carries write-grant traffic to an object's authority rank.
// Outcomes are delivered on the rank executor.
type RemoteLocker interface {
	WrlockRequest(rank uint64, id mdtree.LockID, reqID uint64, done func(error))
	WrlockRelease(rank uint64, id mdtree.LockID, reqID uint64)
}

// ContentionError reports a lock that could not be granted. The transaction
// has been parked on it and retries when it quiesces.
type ContentionError struct {
	ID   mdtree.LockID
	Mode Mode
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("lock %s contended in mode %s", e.ID, e.Mode)
}

// RemotePendingError reports that acquisition suspended on a write-grant
// request to another rank. The transaction retries when the ack arrives.
type RemotePendingError struct {
	ID   mdtree.LockID
	Rank uint64
}

func (e *RemotePendingError) Error() string {
	return fmt.Sprintf("lock %s awaiting remote grant from rank %d", e.ID, e.Rank)
}

// Locker drives lock acquisition and release for one rank.
type Locker struct {
	remote RemoteLocker
}

func New(remote RemoteLocker) *Locker {
	return &Locker{remote: remote}
}

// Acquire takes every grant in vec for txn, all or nothing. The vector is
// normalized in place, so acquisition always walks the canonical order.
//
// On a refused grant, everything this attempt took is released in reverse
// order, txn is parked to run retry when the obstruction clears, and a
// ContentionError (or RemotePendingError for a cross-rank grant, or an
// authority conflict for a frozen or ambiguous object) is returned. Grants
// from earlier attempts, lock caches, and remote acks are kept and skipped,
// so a retried Acquire converges.
func (lk *Locker) Acquire(txn Txn, vec *Vec, retry func()) error {
	vec.SortAndMerge()

	ld := txn.Ledger()
	mark := ld.Len()
	reqID := txn.ReqID()
	start := time.Now()

	for _, req := range vec.Reqs() {
		if req.Mode&ModeRemoteWrlock != 0 && !ld.Holds(req.Lock.ID(), ModeRemoteWrlock) {
			lk.rollback(txn, mark)
			lk.requestRemote(txn, req, retry)
			return &RemotePendingError{ID: req.Lock.ID(), Rank: req.RemoteRank}
		}

		want := req.Mode & localMask
		if want == 0 {
			continue
		}

		node := req.Lock.Node()
		if !txn.IsAuthPinned(node) {
			if err := node.AuthPinRefusal(); err != nil {
				lk.rollback(txn, mark)
				lk.parkOnAuthority(txn, node, err, retry)
				return fmt.Errorf("auth pin %s: %w", node.ID(), err)
			}
			txn.AuthPin(node)
		}

		need := Mode(0)
		for _, bit := range [...]Mode{ModeXlock, ModeWrlock, ModeRdlock, ModeStatePin} {
			if want&bit != 0 && !ld.Holds(req.Lock.ID(), bit) {
				need |= bit
			}
		}
		if need == 0 {
			continue
		}

		if !admissible(req.Lock, need, reqID) {
			lk.rollback(txn, mark)
			lk.parkOnLock(txn, req.Lock, need, retry)
			return &ContentionError{ID: req.Lock.ID(), Mode: need}
		}

		take(req.Lock, need, reqID)
		ld.record(Grant{Lock: req.Lock, Mode: need})
		telemetry.LockAcquisitionsTotal.With(need.String(), "granted").Inc()
	}

	telemetry.LockWaitSeconds.Observe(time.Since(start).Seconds())
	return nil
}

// Release drops every grant txn holds, newest first, waking lock waiters.
// Cache-borrowed grants stay with their cache.
func (lk *Locker) Release(txn Txn) {
	ld := txn.Ledger()
	grants := ld.Grants()
	for i := len(grants) - 1; i >= 0; i-- {
		lk.put(txn.ReqID(), grants[i])
	}
	ld.clear()
}

// ReleaseGrants drops an explicit grant list held under holder, newest
// first. Lock caches use it when they detach.
func (lk *Locker) ReleaseGrants(holder uint64, grants []Grant) {
	for i := len(grants) - 1; i >= 0; i-- {
		lk.put(holder, grants[i])
	}
}

func admissible(l *mdtree.Lock, need Mode, reqID uint64) bool {
	if need&ModeXlock != 0 && !l.CanXlock(reqID) {
		return false
	}
	if need&ModeWrlock != 0 && !l.CanWrlock(reqID) {
		return false
	}
	if need&ModeRdlock != 0 && !l.CanRdlock(reqID) {
		return false
	}
	if need&ModeStatePin != 0 && !l.CanStatePin(reqID) {
		return false
	}
	return true
}

func take(l *mdtree.Lock, need Mode, reqID uint64) {
	if need&ModeXlock != 0 {
		l.GetXlock(reqID)
	}
	if need&ModeWrlock != 0 {
		l.GetWrlock(reqID)
	}
	if need&ModeRdlock != 0 {
		l.GetRdlock(reqID)
	}
	if need&ModeStatePin != 0 {
		l.GetStatePin()
	}
}

// rollback releases, newest first, every grant recorded at or past mark.
func (lk *Locker) rollback(txn Txn, mark int) {
	ld := txn.Ledger()
	grants := ld.Grants()
	for i := len(grants) - 1; i >= mark; i-- {
		lk.put(txn.ReqID(), grants[i])
	}
	ld.truncate(mark)
}

func (lk *Locker) put(reqID uint64, g Grant) {
	if g.FromCache {
		return
	}
	if g.Mode&ModeRemoteWrlock != 0 {
		lk.remote.WrlockRelease(g.RemoteRank, g.Lock.ID(), reqID)
	}
	if g.Mode&ModeXlock != 0 {
		g.Lock.PutXlock(reqID)
	}
	if g.Mode&ModeWrlock != 0 {
		g.Lock.PutWrlock(reqID)
	}
	if g.Mode&ModeRdlock != 0 {
		g.Lock.PutRdlock(reqID)
	}
	if g.Mode&ModeStatePin != 0 {
		g.Lock.PutStatePin()
	}
}

func (lk *Locker) requestRemote(txn Txn, req Req, retry func()) {
	lock, rank := req.Lock, req.RemoteRank
	txn.StartLocking(lock)
	telemetry.LockAcquisitionsTotal.With("remote_wrlock", "pending").Inc()
	lk.remote.WrlockRequest(rank, lock.ID(), txn.ReqID(), func(err error) {
		txn.FinishLocking()
		if err == nil {
			txn.Ledger().RecordRemote(lock, rank)
		} else {
			log.Debug().Uint64("req_id", txn.ReqID()).Str("lock", lock.ID().String()).
				Uint64("rank", rank).Err(err).Msg("remote wrlock refused")
		}
		retry()
	})
}

func (lk *Locker) parkOnLock(txn Txn, l *mdtree.Lock, need Mode, retry func()) {
	telemetry.LockAcquisitionsTotal.With(need.String(), "contended").Inc()
	log.Debug().Uint64("req_id", txn.ReqID()).Str("lock", l.ID().String()).
		Str("mode", need.String()).Msg("lock contended, parking")
	txn.StartLocking(l)
	l.AddWaiter(func() {
		txn.FinishLocking()
		retry()
	})
}

func (lk *Locker) parkOnAuthority(txn Txn, n *mdtree.Node, cause error, retry func()) {
	reason := "ambiguous"
	var ac *mdtree.AuthorityConflictError
	if errors.As(cause, &ac) && ac.Frozen {
		reason = "frozen"
	}
	telemetry.AuthPinRefusalsTotal.With(reason).Inc()
	log.Debug().Uint64("req_id", txn.ReqID()).Str("object", n.ID().String()).
		Str("reason", reason).Msg("auth pin refused, parking")
	n.AddWaiter(mdtree.WaitUnfreeze|mdtree.WaitAmbiguityCleared, retry)
}
