package rank

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/settfs/sett/journal"
	"github.com/settfs/sett/locker"
	"github.com/settfs/sett/mdtree"
	"github.com/settfs/sett/mutation"
	"github.com/settfs/sett/telemetry"
	"github.com/settfs/sett/transport"
)

// slaveTxn is one inbound prepare moving toward the master's decision.
// Executor-owned. A recovered entry has no live transaction: it stands for
// a durable prepare from before a restart and only answers decisions.
type slaveTxn struct {
	txnID      uint64
	masterRank uint64
	op         *Op
	updates    []ObjectUpdate
	txn        *mutation.RequestTxn
	reply      func(*transport.AckMsg)
	ack        *transport.AckMsg
	expire     *time.Timer
	borrowed   bool
	recovered  bool
}

// HandlePrepare admits an inbound prepare. Transport goroutine; everything
// hops to the executor.
func (r *Rank) HandlePrepare(msg *transport.PrepareMsg, reply func(*transport.AckMsg)) {
	if !r.ex.Submit(func() { r.servePrepare(msg, reply) }) {
		reply(&transport.AckMsg{TxnID: msg.TxnID, Error: ErrStopped.Error(), Retry: true})
	}
}

func (r *Rank) servePrepare(msg *transport.PrepareMsg, reply func(*transport.AckMsg)) {
	// A committed transaction replays its stored ack.
	if ack, ok := r.recent.Get(msg.TxnID); ok {
		reply(ack)
		return
	}
	if sd := r.slaves[msg.TxnID]; sd != nil {
		switch {
		case sd.ack != nil:
			reply(sd.ack)
		case sd.recovered:
			// Durable from a previous life. The vote stands.
			reply(&transport.AckMsg{TxnID: msg.TxnID, OK: true})
		default:
			// Still acquiring; answer through the newest inbox.
			log.Debug().Uint64("txn_id", msg.TxnID).Uint32("attempt", msg.Attempt).
				Msg("Duplicate prepare while acquiring")
			sd.reply = reply
			r.resetExpiry(sd)
		}
		return
	}

	op, err := DecodeOp(msg.Payload)
	if err != nil {
		reply(&transport.AckMsg{TxnID: msg.TxnID, Error: fmt.Sprintf("bad payload: %s", err)})
		return
	}
	t := mutation.NewRequestTxn(msg.TxnID, msg.MasterRank, msg.Op, op.Client)
	t.SetPaths(op.Path, op.Path2)
	t.SetPayload(msg.Payload)

	sd := &slaveTxn{
		txnID:      msg.TxnID,
		masterRank: msg.MasterRank,
		op:         op,
		updates:    op.Updates,
		txn:        t,
		reply:      reply,
	}
	if len(op.Sessions) > 0 {
		x := t.Extras()
		x.ImportedSessions = op.Sessions
		x.SlaveCommit = func(err error) {
			if err == nil {
				r.installSessions(x.ImportedSessions)
			}
		}
	}
	r.slaves[msg.TxnID] = sd
	r.resetExpiry(sd)

	if err := materializeUpdates(r.tree, msg.Op, op.Updates, r.id, msg.MasterRank); err != nil {
		r.refuseSlave(sd, err, false)
		return
	}
	if err := t.Advance(mutation.StateAcquiringLocks); err != nil {
		r.refuseSlave(sd, err, false)
		return
	}
	r.acquireSlave(sd)
}

// resetExpiry re-arms the self-abort deadline of an un-acked prepare. A
// master abort only notifies acked witnesses, so the un-acked expire on
// their own.
func (r *Rank) resetExpiry(sd *slaveTxn) {
	if sd.expire != nil {
		sd.expire.Stop()
	}
	sd.expire = time.AfterFunc(r.opts.SlaveExpiry, func() {
		r.ex.Submit(func() { r.expireSlave(sd) })
	})
}

// acquireSlave runs one participant acquisition pass. Write grants the
// master already holds remotely on our objects are borrowed, not re-taken,
// so releasing ours cannot drop the master's.
func (r *Rank) acquireSlave(sd *slaveTxn) {
	if r.slaves[sd.txnID] != sd {
		return
	}
	t := sd.txn
	t.BumpAttempt()

	if !sd.borrowed {
		sd.borrowed = true
		for _, u := range sd.updates {
			n := r.tree.Lookup(mdtree.ObjectID(u.Object))
			if n == nil {
				continue
			}
			if l := n.Lock(mdtree.LockLink); l != nil && l.IsWrlockedBy(sd.txnID) {
				t.Ledger().RecordCached(l, locker.ModeWrlock)
			}
		}
	}

	vec, err := r.planLocks(sd.op, sd.updates, nil)
	if err != nil {
		r.refuseSlave(sd, err, false)
		return
	}
	retry := func() { r.ex.Submit(func() { r.reacquireSlave(sd) }) }
	if err := r.lk.Acquire(t, vec, retry); err != nil {
		// Parked; the obstruction's waiter resubmits us.
		return
	}
	r.stageSlave(sd)
}

func (r *Rank) reacquireSlave(sd *slaveTxn) {
	if r.slaves[sd.txnID] != sd {
		return
	}
	sd.txn.BumpRetries()
	if sd.txn.Retries() > r.policy.MaxRetries {
		r.refuseSlave(sd, ErrRetriesExhausted, true)
		return
	}
	r.acquireSlave(sd)
}

// stageSlave projects the updates, captures the pre-apply image, and makes
// the vote durable. Apply happens once the record is on disk.
func (r *Rank) stageSlave(sd *slaveTxn) {
	t := sd.txn
	stageUpdates(t, r.tree, sd.op.Kind, sd.updates)
	rollback, err := captureRollback(r.tree, sd.updates)
	if err != nil {
		r.refuseSlave(sd, err, false)
		return
	}
	t.Extras().RollbackBlob = rollback

	fut, err := r.log.PutPrepare(journal.PrepareRecord{
		TxnID:       sd.txnID,
		MasterRank:  sd.masterRank,
		Op:          sd.op.Kind,
		Payload:     t.Payload(),
		Rollback:    rollback,
		CreatedAtNs: time.Now().UnixNano(),
	})
	if err != nil {
		r.refuseSlave(sd, fmt.Errorf("prepare write: %w", err), true)
		return
	}
	go func() {
		_, ferr := fut.Get()
		r.ex.Submit(func() { r.onPrepareDurable(sd, ferr) })
	}()
}

func (r *Rank) onPrepareDurable(sd *slaveTxn, err error) {
	if r.slaves[sd.txnID] != sd {
		// Torn down while the flush was in flight; drop the orphan record.
		r.log.DeletePrepare(sd.txnID)
		return
	}
	if err != nil {
		r.refuseSlave(sd, fmt.Errorf("prepare flush: %w", err), true)
		return
	}

	t := sd.txn
	t.Apply()
	bumpVersions(r.tree, sd.updates)
	markAmbiguous(r.tree, sd.updates)
	if hasAuthHandoff(sd.updates) {
		t.Extras().IsAmbiguousAuth = true
	}
	objs := make([]mdtree.ObjectID, 0, len(sd.updates))
	for _, u := range sd.updates {
		objs = append(objs, mdtree.ObjectID(u.Object))
	}
	r.slaveLog.Register(&mutation.SlaveUpdateRecord{
		TxnID:      sd.txnID,
		MasterRank: sd.masterRank,
		Op:         sd.op.Kind,
		Rollback:   t.Extras().RollbackBlob,
		Objects:    objs,
	})

	sd.ack = &transport.AckMsg{
		TxnID:    sd.txnID,
		OK:       true,
		Versions: liveVersions(r.tree, sd.updates),
	}
	sd.reply(sd.ack)
	if sd.expire != nil {
		sd.expire.Stop()
	}
	telemetry.PreparesTotal.With("acked").Inc()
	log.Debug().Uint64("txn_id", sd.txnID).Uint64("master", sd.masterRank).
		Str("op", sd.op.Kind.String()).Msg("Prepare acked")
}

func hasAuthHandoff(updates []ObjectUpdate) bool {
	for _, u := range updates {
		if u.SetAuth != 0 {
			return true
		}
	}
	return false
}

// refuseSlave answers the master with a refusal and tears the attempt down.
// Nothing has applied: refusals always precede the durable vote.
func (r *Rank) refuseSlave(sd *slaveTxn, cause error, retriable bool) {
	sd.reply(&transport.AckMsg{
		TxnID: sd.txnID,
		Error: cause.Error(),
		Retry: retriable,
	})
	telemetry.PreparesTotal.With("refused").Inc()
	log.Info().Err(cause).Uint64("txn_id", sd.txnID).Uint64("master", sd.masterRank).
		Bool("retriable", retriable).Msg("Prepare refused")
	r.teardownSlave(sd)
}

// expireSlave self-aborts a prepare whose master never heard our ack. Acked
// prepares stay: they resolve through the decision or the death sweep.
func (r *Rank) expireSlave(sd *slaveTxn) {
	if r.slaves[sd.txnID] != sd || sd.ack != nil || sd.recovered {
		return
	}
	telemetry.PreparesTotal.With("expired").Inc()
	log.Warn().Uint64("txn_id", sd.txnID).Uint64("master", sd.masterRank).
		Str("op", sd.op.Kind.String()).Msg("Un-acked prepare expired")
	r.teardownSlave(sd)
}

// teardownSlave releases whatever an undecided prepare holds. Callers that
// applied state rewind it first.
func (r *Rank) teardownSlave(sd *slaveTxn) {
	if sd.expire != nil {
		sd.expire.Stop()
	}
	delete(r.slaves, sd.txnID)
	if sd.txn != nil {
		sd.txn.MarkAborted()
		sd.txn.GiveUpLocking()
		r.lk.Release(sd.txn)
		sd.txn.Cleanup()
		r.lastDitch(sd.txn)
	}
	r.log.DeletePrepare(sd.txnID)
}

// HandleDecide resolves a prepared transaction. Redeliveries and decisions
// for unknown transactions are safe.
func (r *Rank) HandleDecide(msg *transport.DecideMsg) {
	r.ex.Submit(func() { r.serveDecide(msg) })
}

func (r *Rank) serveDecide(msg *transport.DecideMsg) {
	sd := r.slaves[msg.TxnID]
	if sd == nil {
		log.Debug().Uint64("txn_id", msg.TxnID).Bool("commit", msg.Commit).
			Msg("Decision for unknown transaction")
		return
	}
	if sd.masterRank != msg.MasterRank {
		log.Warn().Uint64("txn_id", msg.TxnID).Uint64("from", msg.MasterRank).
			Uint64("master", sd.masterRank).Msg("Decision from wrong master")
		return
	}
	if sd.recovered {
		r.resolveRecovered(sd, msg.Commit)
		return
	}
	if sd.ack == nil {
		if msg.Commit {
			log.Error().Uint64("txn_id", msg.TxnID).
				Msg("Commit decision for a vote never cast")
			return
		}
		// Master gave up before our ack; nothing applied yet.
		log.Debug().Uint64("txn_id", msg.TxnID).Msg("Abort before ack")
		r.teardownSlave(sd)
		return
	}
	if msg.Commit {
		r.commitSlave(sd)
	} else {
		r.rollbackSlave(sd, "master_abort")
	}
}

// commitSlave finalizes an applied prepare: authority handoffs flip, locks
// release, and the stored ack becomes replayable for late duplicates.
func (r *Rank) commitSlave(sd *slaveTxn) {
	t := sd.txn
	commitAuthority(r.tree, sd.updates)
	if x := t.Extras(); x.SlaveCommit != nil {
		x.SlaveCommit(nil)
	}
	r.finishSlave(sd, journal.KindCommit, true)
	r.recent.Add(sd.txnID, sd.ack)
	telemetry.PreparesTotal.With("committed").Inc()
	log.Debug().Uint64("txn_id", sd.txnID).Uint64("master", sd.masterRank).
		Str("op", sd.op.Kind.String()).Msg("Prepared transaction committed")
}

// rollbackSlave rewinds an applied prepare to its captured image. The locks
// held since acquisition make the restore exact.
func (r *Rank) rollbackSlave(sd *slaveTxn, cause string) {
	t := sd.txn
	blob := t.Extras().RollbackBlob
	if rec := r.slaveLog.Lookup(sd.txnID); rec != nil && len(rec.Rollback) > 0 {
		blob = rec.Rollback
	}
	if p, err := decodeRollback(blob); err != nil {
		log.Error().Err(err).Uint64("txn_id", sd.txnID).
			Msg("Rollback payload unreadable, objects keep prepared state")
	} else {
		restoreRollback(r.tree, p)
	}
	clearAmbiguous(r.tree, sd.updates)
	if x := t.Extras(); x.SlaveCommit != nil {
		x.SlaveCommit(fmt.Errorf("aborted: %s", cause))
	}
	telemetry.RollbacksTotal.With(cause).Inc()
	r.finishSlave(sd, journal.KindAbort, false)
	log.Info().Uint64("txn_id", sd.txnID).Uint64("master", sd.masterRank).
		Str("op", sd.op.Kind.String()).Str("cause", cause).Msg("Prepared transaction rolled back")
}

// finishSlave retires a decided participant transaction.
func (r *Rank) finishSlave(sd *slaveTxn, kind journal.EntryKind, committed bool) {
	if t := sd.txn; t != nil {
		if kind == journal.KindAbort {
			t.MarkAborted()
			t.GiveUpLocking()
		}
		r.lk.Release(t)
		t.Cleanup()
		r.lastDitch(t)
	}
	r.appendDecision(sd.txnID, sd.op.Kind, kind)
	if sd.expire != nil {
		sd.expire.Stop()
	}
	r.log.DeletePrepare(sd.txnID)
	r.slaveLog.Destroy(sd.txnID, committed)
	delete(r.slaves, sd.txnID)
}

// resolveRecovered answers a decision for a prepare that survived a
// restart. There is no live tree state to apply or rewind; the record's
// bookkeeping settles and the journal entry closes out.
func (r *Rank) resolveRecovered(sd *slaveTxn, commit bool) {
	log.Warn().Uint64("txn_id", sd.txnID).Uint64("master", sd.masterRank).
		Bool("commit", commit).Msg("Resolving recovered prepare")
	kind := journal.KindAbort
	if commit {
		kind = journal.KindCommit
		telemetry.PreparesTotal.With("committed").Inc()
	} else {
		telemetry.RollbacksTotal.With("master_abort").Inc()
	}
	r.finishSlave(sd, kind, commit)
}

// remoteWait is one parked remote wrlock request. done flips when any of
// grant, deadline or cancellation resolves it, making later wakes no-ops.
type remoteWait struct {
	key      grantKey
	l        *mdtree.Lock
	txnID    uint64
	from     uint64
	reply    func(*transport.AckMsg)
	deadline time.Time
	timed    bool
	done     bool
}

// HandleRemoteLock serves a wrlock request on an object this rank owns.
func (r *Rank) HandleRemoteLock(msg *transport.LockMsg, reply func(*transport.AckMsg)) {
	if !r.ex.Submit(func() { r.serveRemoteLock(msg, reply) }) {
		reply(&transport.AckMsg{TxnID: msg.TxnID, Error: ErrStopped.Error(), Retry: true})
	}
}

func (r *Rank) serveRemoteLock(msg *transport.LockMsg, reply func(*transport.AckMsg)) {
	n := r.tree.Lookup(mdtree.ObjectID(msg.Object))
	if n == nil {
		reply(&transport.AckMsg{TxnID: msg.TxnID, Error: "unknown object"})
		return
	}
	if n.AuthRank() != r.id {
		reply(&transport.AckMsg{TxnID: msg.TxnID, Error: "not authoritative", Retry: true})
		return
	}
	l := n.Lock(mdtree.LockType(msg.LockType))
	if l == nil {
		reply(&transport.AckMsg{TxnID: msg.TxnID, Error: "unknown lock type"})
		return
	}
	key := grantKey{txnID: msg.TxnID, id: l.ID()}
	if _, held := r.remoteWr[key]; held {
		reply(&transport.AckMsg{TxnID: msg.TxnID, OK: true})
		return
	}
	if w := r.pendingWr[key]; w != nil {
		// Same request re-sent; answer through the newest inbox.
		w.reply = reply
		return
	}
	w := &remoteWait{
		key:      key,
		l:        l,
		txnID:    msg.TxnID,
		from:     msg.FromRank,
		reply:    reply,
		deadline: time.Now().Add(r.policy.PrepareTimeout),
	}
	r.pendingWr[key] = w
	r.stepRemoteGrant(w)
}

func (r *Rank) stepRemoteGrant(w *remoteWait) {
	if w.done {
		return
	}
	if w.l.CanWrlock(w.txnID) {
		w.l.GetWrlock(w.txnID)
		r.remoteWr[w.key] = &wrGrant{l: w.l, from: w.from}
		r.settleWait(w)
		w.reply(&transport.AckMsg{TxnID: w.txnID, OK: true})
		return
	}
	if time.Now().After(w.deadline) {
		r.settleWait(w)
		w.reply(&transport.AckMsg{TxnID: w.txnID, Error: "wrlock grant timed out", Retry: true})
		return
	}
	w.l.AddWaiter(func() { r.ex.Submit(func() { r.stepRemoteGrant(w) }) })
	if !w.timed {
		// The deadline fires even if the lock never wakes, so the request
		// always resolves.
		w.timed = true
		time.AfterFunc(time.Until(w.deadline)+10*time.Millisecond, func() {
			r.ex.Submit(func() { r.stepRemoteGrant(w) })
		})
	}
}

func (r *Rank) settleWait(w *remoteWait) {
	w.done = true
	delete(r.pendingWr, w.key)
}

// HandleRemoteLockRelease returns a remotely held wrlock. A release racing
// an undecided request cancels it, so refused masters leak nothing here.
func (r *Rank) HandleRemoteLockRelease(msg *transport.LockMsg) {
	r.ex.Submit(func() {
		id := mdtree.LockID{Object: mdtree.ObjectID(msg.Object), Type: mdtree.LockType(msg.LockType)}
		key := grantKey{txnID: msg.TxnID, id: id}
		if g, held := r.remoteWr[key]; held {
			g.l.PutWrlock(msg.TxnID)
			delete(r.remoteWr, key)
			return
		}
		if w := r.pendingWr[key]; w != nil {
			r.settleWait(w)
			w.reply(&transport.AckMsg{TxnID: msg.TxnID, Error: "released by requester"})
		}
	})
}

// pinWait is one parked freeze-pin request draining foreign auth pins.
type pinWait struct {
	key      pinKey
	node     *mdtree.Node
	from     uint64
	reply    func(*transport.AckMsg)
	deadline time.Time
	timed    bool
	done     bool
}

// HandleAuthPin serves an auth-pin on an object this rank replicates.
// Freeze variants drain existing pins first and admit no new ones.
func (r *Rank) HandleAuthPin(msg *transport.AuthPinMsg, reply func(*transport.AckMsg)) {
	if !r.ex.Submit(func() { r.serveAuthPin(msg, reply) }) {
		reply(&transport.AckMsg{TxnID: msg.TxnID, Error: ErrStopped.Error(), Retry: true})
	}
}

func (r *Rank) serveAuthPin(msg *transport.AuthPinMsg, reply func(*transport.AckMsg)) {
	key := pinKey{txnID: msg.TxnID, object: mdtree.ObjectID(msg.Object)}
	if _, held := r.remotePins[key]; held {
		reply(&transport.AckMsg{TxnID: msg.TxnID, OK: true})
		return
	}
	n := r.tree.Lookup(mdtree.ObjectID(msg.Object))
	if n == nil {
		if !msg.Freeze {
			reply(&transport.AckMsg{TxnID: msg.TxnID, Error: "unknown object"})
			return
		}
		// A replica stub for the object being handed off; the sender is
		// its authority until the decision flips it.
		n, _ = r.tree.GetOrCreate(mdtree.ObjectID(msg.Object), "", true, msg.FromRank)
	}

	if !msg.Freeze {
		if !n.CanAuthPin() {
			reply(&transport.AckMsg{TxnID: msg.TxnID, Error: n.AuthPinRefusal().Error(), Retry: true})
			return
		}
		n.AuthPin()
		r.remotePins[key] = &pinGrant{node: n, from: msg.FromRank}
		reply(&transport.AckMsg{TxnID: msg.TxnID, OK: true})
		return
	}

	if n.AmbiguousAuth() {
		reply(&transport.AckMsg{TxnID: msg.TxnID, Error: "authority ambiguous", Retry: true})
		return
	}
	if w := r.pendingPin[key]; w != nil {
		w.reply = reply
		return
	}
	w := &pinWait{
		key:      key,
		node:     n,
		from:     msg.FromRank,
		reply:    reply,
		deadline: time.Now().Add(r.policy.PrepareTimeout),
	}
	r.pendingPin[key] = w
	n.Freeze()
	r.stepFreezePin(w)
}

func (r *Rank) stepFreezePin(w *pinWait) {
	if w.done {
		return
	}
	if !w.node.IsAuthPinned() {
		w.node.AuthPin()
		r.remotePins[w.key] = &pinGrant{node: w.node, from: w.from, frozen: true}
		w.done = true
		delete(r.pendingPin, w.key)
		w.reply(&transport.AckMsg{TxnID: w.key.txnID, OK: true})
		return
	}
	if time.Now().After(w.deadline) {
		w.done = true
		delete(r.pendingPin, w.key)
		w.node.Unfreeze()
		w.reply(&transport.AckMsg{TxnID: w.key.txnID, Error: "auth pins did not drain", Retry: true})
		return
	}
	w.node.AddWaiter(mdtree.WaitAuthPinsDrained, func() {
		r.ex.Submit(func() { r.stepFreezePin(w) })
	})
	if !w.timed {
		w.timed = true
		time.AfterFunc(time.Until(w.deadline)+10*time.Millisecond, func() {
			r.ex.Submit(func() { r.stepFreezePin(w) })
		})
	}
}

// HandleAuthPinRelease returns a remotely held auth-pin, unfreezing when the
// pin carried a freeze. Releases racing an undecided request cancel it.
func (r *Rank) HandleAuthPinRelease(msg *transport.AuthPinMsg) {
	r.ex.Submit(func() {
		key := pinKey{txnID: msg.TxnID, object: mdtree.ObjectID(msg.Object)}
		if g, held := r.remotePins[key]; held {
			g.node.AuthUnpin()
			if g.frozen {
				g.node.Unfreeze()
			}
			delete(r.remotePins, key)
			return
		}
		if w := r.pendingPin[key]; w != nil {
			w.done = true
			delete(r.pendingPin, key)
			w.node.Unfreeze()
			w.reply(&transport.AckMsg{TxnID: msg.TxnID, Error: "released by requester"})
		}
	})
}

// onRankDead sweeps every obligation tied to a dead rank: prepared updates
// it mastered roll back, and grants or pins its transactions held here
// drop, waking the local waiters. Runs on the executor.
func (r *Rank) onRankDead(rankID uint64) {
	log.Warn().Uint64("rank", rankID).Msg("Sweeping state of dead rank")

	for txnID, sd := range r.slaves {
		if sd.masterRank != rankID {
			continue
		}
		failure := &MasterFailureError{TxnID: txnID, Rank: rankID}
		switch {
		case sd.recovered:
			log.Warn().Err(failure).Msg("Dropping recovered prepare of dead master")
			telemetry.RollbacksTotal.With("master_dead").Inc()
			r.finishSlave(sd, journal.KindAbort, false)
		case sd.ack != nil:
			log.Warn().Err(failure).Msg("Rolling back prepared update of dead master")
			r.rollbackSlave(sd, "master_dead")
		default:
			log.Warn().Err(failure).Msg("Dropping in-flight prepare of dead master")
			r.teardownSlave(sd)
		}
	}

	// Grants and waits carry the master's full rank; the rank field inside
	// the ReqID is truncated to six bits and would miss almost every id.
	for key, g := range r.remoteWr {
		if g.from != rankID {
			continue
		}
		g.l.PutWrlock(key.txnID)
		delete(r.remoteWr, key)
	}
	for key, g := range r.remotePins {
		if g.from != rankID {
			continue
		}
		g.node.AuthUnpin()
		if g.frozen {
			g.node.Unfreeze()
		}
		delete(r.remotePins, key)
	}
	for _, w := range r.pendingWr {
		if w.from == rankID {
			r.settleWait(w)
		}
	}
	for key, w := range r.pendingPin {
		if w.from == rankID {
			w.done = true
			delete(r.pendingPin, key)
			w.node.Unfreeze()
		}
	}
}
