package rank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/settfs/sett/common"
	"github.com/settfs/sett/journal"
	"github.com/settfs/sett/locker"
	"github.com/settfs/sett/mdtree"
	"github.com/settfs/sett/mutation"
	"github.com/settfs/sett/telemetry"
	"github.com/settfs/sett/transport"
)

// txnDriver carries one mastered transaction through the executor
// continuations. All fields are executor-owned; finished gates every
// continuation that may arrive late.
type txnDriver struct {
	txn    *mutation.RequestTxn
	op     *Op
	local  []ObjectUpdate
	remote map[uint64][]ObjectUpdate
	done   func(error)

	// Relaunch bookkeeping survives the per-attempt transaction object.
	retries int
	attempt uint32

	start        time.Time
	prepareStart time.Time
	commitStart  time.Time
	pendingPins  int
	finished     bool
}

// Submit hands an operation to the engine and returns its transaction id.
// done, when not nil, runs on the executor once the transaction completes
// or aborts; internal operations complete through their own finish hook.
func (r *Rank) Submit(op *Op, done func(error)) (uint64, error) {
	if r.closed.Load() {
		return 0, ErrStopped
	}
	if op == nil || op.Kind == common.OpUnknown {
		return 0, &OpError{Op: common.OpUnknown, Reason: "no operation"}
	}
	if len(op.Updates) == 0 && op.Kind != common.OpCacheDrop {
		return 0, &OpError{Op: op.Kind, Reason: "no updates"}
	}

	reqID := r.clock.NextReqID()
	var t *mutation.RequestTxn
	if op.Kind.IsInternal() {
		t = mutation.NewInternalTxn(reqID, r.id, op.Kind, done)
	} else {
		t = mutation.NewRequestTxn(reqID, r.id, op.Kind, op.Client)
	}
	t.SetPaths(op.Path, op.Path2)

	d := &txnDriver{txn: t, op: op, done: done, start: time.Now()}
	if !r.ex.Submit(func() { r.startTxn(d) }) {
		return 0, ErrStopped
	}
	return reqID, nil
}

func (r *Rank) startTxn(d *txnDriver) {
	t, op := d.txn, d.op

	// Engine-triggered operations fire from thresholds that can trip again
	// while the first transaction is still in flight; duplicates ride it.
	if op.Kind.IsInternal() {
		if head := r.findInflight(op); head != nil {
			log.Debug().Uint64("txn_id", t.ReqID()).Uint64("rides", head.txn.ReqID()).
				Str("op", op.Kind.String()).Msg("Identical operation in flight, riding it")
			head.txn.JoinBatch(t)
			return
		}
	}

	// A recovered prepare may still roll its objects back; anything touching
	// them holds until that master's decision lands.
	if rec := r.undecidedPrepareTouching(op.Updates); rec != nil {
		log.Info().Uint64("txn_id", t.ReqID()).Uint64("waiting_on", rec.TxnID).
			Msg("Holding transaction behind an undecided recovered prepare")
		rec.AddWaiter(func(bool) { r.ex.Submit(func() { r.startTxn(d) }) })
		return
	}

	r.txns[t.ReqID()] = d
	telemetry.ActiveTransactions.Inc()

	if op.Kind == common.OpCacheDrop {
		r.runCacheDrop(d)
		return
	}

	r.mintCreateIDs(op)
	if err := materializeUpdates(r.tree, op.Kind, op.Updates, r.id, r.id); err != nil {
		r.finishMaster(d, err, "rejected")
		return
	}
	var created []mdtree.ObjectID
	for _, u := range op.Updates {
		if u.Create {
			created = append(created, mdtree.ObjectID(u.Object))
		}
	}
	if len(created) > 0 {
		t.RecordAllocatedIDs(created)
	}
	if op.Kind == common.OpRename || op.Kind == common.OpLink {
		x := t.Extras()
		for _, u := range op.Updates {
			switch u.Role {
			case RoleTarget:
				x.SrcObject = mdtree.ObjectID(u.Object)
			case RoleDest:
				x.DstObject = mdtree.ObjectID(u.Object)
			}
		}
	}
	if op.Kind == common.OpSnapCreate {
		snapID := r.clock.NextReqID()
		t.Extras().AllocSnapID = snapID
		for i := range op.Updates {
			if op.Updates[i].Role != RoleTarget {
				continue
			}
			if op.Updates[i].Attrs == nil {
				op.Updates[i].Attrs = make(map[string]interface{}, 1)
			}
			op.Updates[i].Attrs["snap_id"] = snapID
		}
	}

	payload, err := op.Encode()
	if err != nil {
		r.finishMaster(d, err, "rejected")
		return
	}
	t.SetPayload(payload)

	if err := r.restart(d); err != nil {
		r.finishMaster(d, err, "rejected")
	}
}

// findInflight returns the live driver running the same internal operation,
// nil when none.
func (r *Rank) findInflight(op *Op) *txnDriver {
	for _, d := range r.txns {
		if d.op.Kind == op.Kind && d.op.Client == op.Client && d.op.Path == op.Path {
			return d
		}
	}
	return nil
}

// undecidedPrepareTouching returns a recovered prepared update covering any
// of the operation's objects, nil when none blocks it.
func (r *Rank) undecidedPrepareTouching(updates []ObjectUpdate) *mutation.SlaveUpdateRecord {
	if len(updates) == 0 || r.slaveLog.Len() == 0 {
		return nil
	}
	objs := make([]mdtree.ObjectID, 0, len(updates))
	for _, u := range updates {
		objs = append(objs, mdtree.ObjectID(u.Object))
	}
	for _, rec := range r.slaveLog.Touching(objs) {
		if sd := r.slaves[rec.TxnID]; sd != nil && sd.recovered {
			return rec
		}
	}
	return nil
}

// mintCreateIDs assigns ids to creates that arrived without one, before the
// operation is journaled or split across ranks. Link entries naming object 0
// bind to the minted target.
func (r *Rank) mintCreateIDs(op *Op) {
	missing := 0
	for i := range op.Updates {
		if op.Updates[i].Create && op.Updates[i].Object == 0 {
			missing++
		}
	}
	if missing == 0 {
		return
	}
	minted := r.tree.PreallocIDs(missing)
	var target uint64
	next := 0
	for i := range op.Updates {
		if op.Updates[i].Create && op.Updates[i].Object == 0 {
			op.Updates[i].Object = uint64(minted[next])
			next++
			if op.Updates[i].Role == RoleTarget {
				target = op.Updates[i].Object
			}
		}
	}
	if target == 0 {
		return
	}
	for i := range op.Updates {
		for name, obj := range op.Updates[i].Link {
			if obj == 0 {
				op.Updates[i].Link[name] = target
			}
		}
	}
}

// restart recomputes the authority split and enters acquisition. Runs once
// per attempt: authority may have moved between relaunches.
func (r *Rank) restart(d *txnDriver) error {
	local, remote, err := r.splitUpdates(d.op)
	if err != nil {
		return err
	}
	d.local, d.remote = local, remote
	if err := d.txn.Advance(mutation.StateAcquiringLocks); err != nil {
		return err
	}
	r.acquire(d)
	return nil
}

// acquire runs one acquisition pass. A refusal parks the transaction on the
// obstruction, whose waiter resubmits us through reacquire.
func (r *Rank) acquire(d *txnDriver) {
	t := d.txn
	if d.finished {
		return
	}
	if t.Killed() {
		r.abortMaster(d, ErrKilled, false)
		return
	}
	t.BumpAttempt()

	if r.caches.policy.Enabled && !t.Internal() {
		r.consultCaches(d)
	}

	vec, err := r.planLocks(d.op, d.local, d.remote)
	if err != nil {
		r.abortMaster(d, err, false)
		return
	}
	retry := func() { r.ex.Submit(func() { r.reacquire(d) }) }
	if err := r.lk.Acquire(t, vec, retry); err != nil {
		// Parked; the locker accounted for it.
		return
	}
	r.stage(d)
}

func (r *Rank) reacquire(d *txnDriver) {
	t := d.txn
	if d.finished {
		return
	}
	if t.Killed() {
		r.abortMaster(d, ErrKilled, false)
		return
	}
	t.BumpRetries()
	telemetry.TxnRetriesTotal.Inc()
	if t.Retries() > r.policy.MaxRetries {
		r.abortMaster(d, ErrRetriesExhausted, false)
		return
	}
	r.acquire(d)
}

// consultCaches borrows a matching lock cache for this request and forces
// conflicting ones out of the way before acquisition.
func (r *Rank) consultCaches(d *txnDriver) {
	t, op := d.txn, d.op
	for _, u := range d.local {
		if !r.caches.mightConflict(u.Object) {
			continue
		}
		obj := mdtree.ObjectID(u.Object)
		if u.Role == RoleParent && cacheable(op.Kind) && t.LockCache() == nil {
			if c := r.caches.attachable(op.Client, op.Kind, obj); c != nil {
				t.AttachLockCache(c)
				for _, g := range c.Grants() {
					t.Ledger().RecordCached(g.Lock, g.Mode)
				}
				telemetry.LockCacheOpsTotal.With("hit").Inc()
				continue
			}
			telemetry.LockCacheOpsTotal.With("miss").Inc()
		}
		for _, c := range r.caches.markConflict(obj, op.Client, op.Kind) {
			r.lk.ReleaseGrants(c.ID(), c.DetachAll())
		}
	}
}

// stage pins and projects the local updates, then routes the transaction.
func (r *Rank) stage(d *txnDriver) {
	stageUpdates(d.txn, r.tree, d.op.Kind, d.local)
	if d.op.Kind == common.OpExportDir {
		r.stageExport(d)
		return
	}
	r.dispatch(d)
}

// dispatch routes a staged transaction: no participants means a straight
// journal-then-apply commit, anything else goes two-phase.
func (r *Rank) dispatch(d *txnDriver) {
	if len(d.remote) == 0 {
		r.commitLocal(d)
		return
	}
	r.dispatchPrepares(d)
}

// stageExport freezes the exported object, waits for foreign auth pins to
// drain, then freezes the replica set before the importer is prepared.
func (r *Rank) stageExport(d *txnDriver) {
	t := d.txn
	if d.finished {
		return
	}
	if t.Killed() {
		r.abortMaster(d, ErrKilled, false)
		return
	}
	var node *mdtree.Node
	for _, u := range d.local {
		if u.Role == RoleTarget && u.SetAuth != 0 {
			node = r.tree.Lookup(mdtree.ObjectID(u.Object))
			break
		}
	}
	if node == nil {
		r.abortMaster(d, &OpError{Op: common.OpExportDir, Reason: "no authority handoff in updates"}, false)
		return
	}
	x := t.Extras()
	x.FreezeAuthPin = node
	x.IsObjectExporter = true

	// Our own pin rides the lock plan; everyone else's must drain.
	if !node.FreezeWithAllowance(1) {
		log.Debug().Uint64("txn_id", t.ReqID()).Str("object", node.ID().String()).
			Int("auth_pins", node.AuthPins()).Msg("Export waiting for auth pins to drain")
		node.AddWaiter(mdtree.WaitAuthPinsDrained, func() {
			r.ex.Submit(func() { r.stageExport(d) })
		})
		return
	}
	r.pinReplicas(d, node)
}

// pinReplicas freezes the exported object on its replica ranks so nobody
// admits new pins while the handoff is in flight. The importer is excluded:
// its prepare carries the handoff itself.
func (r *Rank) pinReplicas(d *txnDriver, node *mdtree.Node) {
	t := d.txn
	var targets []uint64
	if r.ring != nil {
		for _, rep := range r.ring.Replicas(uint64(node.ID())) {
			if rep == r.id || rep == exportDest(d.local) {
				continue
			}
			targets = append(targets, rep)
		}
	}
	if len(targets) == 0 {
		r.dispatch(d)
		return
	}
	d.pendingPins = len(targets)
	attempt := d.attempt
	for _, rep := range targets {
		rep := rep
		msg := &transport.AuthPinMsg{
			TxnID:    t.ReqID(),
			FromRank: r.id,
			Object:   uint64(node.ID()),
			Freeze:   true,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.policy.PrepareTimeout)
			ack, err := r.peer.SendAuthPin(ctx, rep, msg)
			cancel()
			r.ex.Submit(func() { r.onReplicaPin(d, attempt, rep, uint64(node.ID()), ack, err) })
		}()
	}
}

func exportDest(updates []ObjectUpdate) uint64 {
	for _, u := range updates {
		if u.SetAuth != 0 {
			return u.SetAuth
		}
	}
	return 0
}

func (r *Rank) onReplicaPin(d *txnDriver, attempt uint32, rep, object uint64, ack *transport.AckMsg, err error) {
	t := d.txn
	if d.finished {
		// The abort raced this ack; hand a landed pin straight back.
		if err == nil && ack.OK {
			go r.peer.SendAuthPinRelease(rep, &transport.AuthPinMsg{
				TxnID: t.ReqID(), FromRank: r.id, Object: object,
			})
		}
		return
	}
	if attempt != d.attempt {
		// An older attempt's ack. Pins are keyed by transaction id, so a
		// grant it carried answers the current attempt's own request.
		return
	}
	if err != nil {
		r.abortMaster(d, &ParticipantFailureError{TxnID: t.ReqID(), Rank: rep, Cause: err}, true)
		return
	}
	if !ack.OK {
		r.abortMaster(d, &ParticipantFailureError{
			TxnID: t.ReqID(), Rank: rep, Cause: errors.New(ack.Error),
		}, ack.Retry)
		return
	}
	t.SetRemoteAuthPinned(mdtree.ObjectID(object), rep)
	d.pendingPins--
	if d.pendingPins == 0 {
		r.dispatch(d)
	}
}

// commitLocal drives a transaction with no participants: journal, apply,
// maybe leave a lock cache behind.
func (r *Rank) commitLocal(d *txnDriver) {
	t := d.txn
	if err := t.Advance(mutation.StateLocalApply); err != nil {
		r.abortMaster(d, err, false)
		return
	}
	rec := journal.EntryRecord{TxnID: t.ReqID(), Kind: journal.KindUpdate, Op: t.Op(), Payload: t.Payload()}
	_, fut, err := r.log.Append(rec)
	if err != nil {
		r.abortMaster(d, fmt.Errorf("journal append: %w", err), false)
		return
	}
	go func() {
		_, ferr := fut.Get()
		r.ex.Submit(func() { r.finishLocalApply(d, ferr) })
	}()
}

func (r *Rank) finishLocalApply(d *txnDriver, err error) {
	t := d.txn
	if d.finished {
		return
	}
	if err != nil {
		r.abortMaster(d, fmt.Errorf("journal flush: %w", err), false)
		return
	}
	t.Apply()
	applyEffects(r.tree, d.local)
	if err := t.Advance(mutation.StateCompleted); err != nil {
		log.Error().Err(err).Uint64("txn_id", t.ReqID()).Msg("Completion transition refused")
	}
	r.buildCache(d)
	r.finishMaster(d, nil, "committed")
}

// dispatchPrepares fans the remote partitions out as prepares and starts
// the witness count.
func (r *Rank) dispatchPrepares(d *txnDriver) {
	t := d.txn
	if err := t.Advance(mutation.StateDispatchingParticipants); err != nil {
		r.abortMaster(d, err, false)
		return
	}
	markAmbiguous(r.tree, d.local)
	for rank := range d.remote {
		t.AwaitWitness(rank)
	}
	if err := t.Advance(mutation.StateAwaitingWitnesses); err != nil {
		r.abortMaster(d, err, false)
		return
	}
	d.prepareStart = time.Now()
	attempt := d.attempt
	log.Debug().Uint64("txn_id", t.ReqID()).Str("op", t.Op().String()).
		Int("participants", len(d.remote)).Msg("Dispatching prepares")

	for rank, updates := range d.remote {
		rank := rank
		payload, err := d.op.narrowTo(updates).Encode()
		if err != nil {
			r.abortMaster(d, err, false)
			return
		}
		msg := &transport.PrepareMsg{
			TxnID:      t.ReqID(),
			Attempt:    attempt,
			MasterRank: r.id,
			Op:         t.Op(),
			Objects:    updateObjects(updates),
			Payload:    payload,
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), r.policy.PrepareTimeout)
			ack, err := r.peer.SendPrepare(ctx, rank, msg)
			cancel()
			r.ex.Submit(func() { r.onPrepareAck(d, attempt, rank, ack, err) })
		}()
	}
}

func (r *Rank) onPrepareAck(d *txnDriver, attempt uint32, rank uint64, ack *transport.AckMsg, err error) {
	t := d.txn
	if d.finished || t.Aborted() {
		// Decided without this participant. A prepare that still landed
		// gets an explicit abort so it does not outlive us.
		if err == nil && ack.OK {
			r.publishDecision(t.ReqID(), rank, false)
		}
		return
	}
	if attempt != d.attempt {
		// An older attempt's ack. The participant deduplicates on the
		// transaction id and will answer the current attempt's prepare.
		return
	}
	if err != nil {
		r.abortMaster(d, &ParticipantFailureError{TxnID: t.ReqID(), Rank: rank, Cause: err}, true)
		return
	}
	if !ack.OK {
		r.abortMaster(d, &ParticipantFailureError{
			TxnID: t.ReqID(), Rank: rank, Cause: errors.New(ack.Error),
		}, ack.Retry)
		return
	}

	x := t.Extras()
	for obj, v := range ack.Versions {
		x.PeerVersions[obj] = v
	}
	if !t.Witnessed(rank) {
		return
	}
	telemetry.TwoPhaseWitnessAcks.With("prepare").Observe(float64(len(x.Witnessed)))
	telemetry.TwoPhasePrepareSeconds.Observe(time.Since(d.prepareStart).Seconds())
	r.commitRemote(d)
}

// commitRemote crosses the point of no return. Once the commit record is
// durable the transaction can only complete; journal failure here, with
// participants prepared, has no in-process recovery.
func (r *Rank) commitRemote(d *txnDriver) {
	t := d.txn
	if err := t.Advance(mutation.StateCommitting); err != nil {
		r.abortMaster(d, err, false)
		return
	}
	t.SetCommitting()
	d.commitStart = time.Now()

	rec := journal.EntryRecord{TxnID: t.ReqID(), Kind: journal.KindCommit, Op: t.Op(), Payload: t.Payload()}
	_, fut, err := r.log.Append(rec)
	if err != nil {
		log.Fatal().Err(err).Uint64("txn_id", t.ReqID()).
			Msg("Commit record refused with participants prepared")
		return
	}
	go func() {
		_, ferr := fut.Get()
		r.ex.Submit(func() { r.finishCommit(d, ferr) })
	}()
}

func (r *Rank) finishCommit(d *txnDriver, err error) {
	t := d.txn
	if err != nil {
		log.Fatal().Err(err).Uint64("txn_id", t.ReqID()).
			Msg("Commit record flush failed with participants prepared")
		return
	}
	t.Apply()
	applyEffects(r.tree, d.local)

	x := t.Extras()
	for rank := range x.Witnessed {
		r.publishDecision(t.ReqID(), rank, true)
		x.Notified[rank] = struct{}{}
	}
	telemetry.TwoPhaseCommitSeconds.Observe(time.Since(d.commitStart).Seconds())
	if err := t.Advance(mutation.StateCompleted); err != nil {
		log.Error().Err(err).Uint64("txn_id", t.ReqID()).Msg("Completion transition refused")
	}
	r.finishMaster(d, nil, "committed")
}

func (r *Rank) publishDecision(txnID, rank uint64, commit bool) {
	msg := &transport.DecideMsg{TxnID: txnID, MasterRank: r.id, Commit: commit}
	go func() {
		if err := r.peer.SendDecide(rank, msg); err != nil {
			log.Warn().Err(err).Uint64("txn_id", txnID).Uint64("rank", rank).Bool("commit", commit).
				Msg("Decision publish failed, participant resolves through the death sweep")
		}
	}()
}

// abortMaster tears a transaction down before its point of no return.
// Retriable causes respect the relaunch budget and try again under the same
// transaction id.
func (r *Rank) abortMaster(d *txnDriver, cause error, retriable bool) {
	t := d.txn
	if d.finished {
		return
	}
	t.MarkAborted()
	clearAmbiguous(r.tree, d.local)

	if t.HasExtras() {
		x := t.Extras()
		if x.FreezeAuthPin != nil {
			x.FreezeAuthPin.Unfreeze()
			x.FreezeAuthPin = nil
		}
		// Every dispatched participant hears the abort; never-dispatched
		// ones expire on their own deadline.
		if len(x.WaitingOnSlave)+len(x.Witnessed) > 0 {
			r.appendDecision(t.ReqID(), t.Op(), journal.KindAbort)
			for rank := range d.remote {
				r.publishDecision(t.ReqID(), rank, false)
				x.Notified[rank] = struct{}{}
			}
		}
	}

	if err := t.Advance(mutation.StateAborted); err != nil {
		log.Error().Err(err).Uint64("txn_id", t.ReqID()).Msg("Abort transition refused")
	}
	if retriable && d.retries < r.policy.MaxRetries {
		// Replica pins are keyed by the transaction id and stay valid
		// across the relaunch; releasing them here would race the next
		// attempt's re-request.
		pins := t.RemoteAuthPins()
		t.DropRemoteAuthPins()
		r.teardown(d)
		r.relaunch(d, cause, pins)
		return
	}
	r.finishMaster(d, cause, "aborted")
}

// teardown releases everything an attempt holds, leaving the driver ready
// to finish or relaunch.
func (r *Rank) teardown(d *txnDriver) {
	t := d.txn
	t.GiveUpLocking()
	r.releaseRemotePins(t)
	r.lk.Release(t)
	r.detachCache(d)
	t.Cleanup()
	r.lastDitch(t)
}

// relaunch retries a recoverably aborted transaction as a fresh attempt
// under the same id. Participants dedup on the id, so a prepare one of them
// still holds is re-acked, not re-run.
func (r *Rank) relaunch(d *txnDriver, cause error, pins []mutation.RemotePin) {
	old := d.txn
	d.retries++
	d.attempt++
	backoff := r.policy.backoffFor(d.retries)
	telemetry.TxnRetriesTotal.Inc()
	log.Info().Uint64("txn_id", old.ReqID()).Str("op", old.Op().String()).
		Int("retry", d.retries).Dur("backoff", backoff).Err(cause).
		Msg("Retrying transaction")

	var fresh *mutation.RequestTxn
	if old.Internal() {
		fresh = mutation.NewInternalTxn(old.ReqID(), r.id, old.Op(), d.done)
	} else {
		fresh = mutation.NewRequestTxn(old.ReqID(), r.id, old.Op(), d.op.Client)
	}
	fresh.SetPaths(d.op.Path, d.op.Path2)
	fresh.SetPayload(old.Payload())
	for _, p := range pins {
		fresh.SetRemoteAuthPinned(p.Object, p.Rank)
	}
	d.txn = fresh

	time.AfterFunc(backoff, func() {
		r.ex.Submit(func() {
			if d.finished {
				return
			}
			if d.txn.Killed() {
				r.abortMaster(d, ErrKilled, false)
				return
			}
			if err := r.restart(d); err != nil {
				r.finishMaster(d, err, "aborted")
			}
		})
	})
}

// finishMaster retires a transaction: final release, teardown, accounting,
// notifications. Everything here is idempotent against the abort path.
func (r *Rank) finishMaster(d *txnDriver, cause error, result string) {
	t := d.txn
	if d.finished {
		return
	}
	d.finished = true

	if !t.State().Terminal() {
		if err := t.Advance(mutation.StateAborted); err != nil {
			log.Error().Err(err).Uint64("txn_id", t.ReqID()).Msg("Abort transition refused")
		}
	}
	r.teardown(d)

	delete(r.txns, t.ReqID())
	telemetry.ActiveTransactions.Dec()
	telemetry.TxnTotal.With(t.Op().String(), result).Inc()
	telemetry.TxnDurationSeconds.With(t.Op().String()).Observe(time.Since(d.start).Seconds())

	if cause != nil {
		log.Info().Err(cause).Uint64("txn_id", t.ReqID()).Str("op", t.Op().String()).
			Str("result", result).Msg("Transaction finished")
	} else {
		log.Debug().Uint64("txn_id", t.ReqID()).Str("op", t.Op().String()).
			Str("result", result).Msg("Transaction finished")
	}

	if result == "committed" && t.Op() == common.OpExportDir {
		// Sessions ride the export; the importer owns them now.
		for client := range d.op.Sessions {
			delete(r.sessions, client)
		}
	}
	if result == "committed" && r.sink != nil {
		note := CommitNote{
			TxnID:   t.ReqID(),
			Op:      t.Op(),
			Client:  t.Client(),
			Path:    t.Path(),
			Path2:   d.op.Path2,
			Rank:    r.id,
			Objects: updateObjects(d.op.Updates),
		}
		if t.HasExtras() {
			note.SrcObject = uint64(t.Extras().SrcObject)
			note.DstObject = uint64(t.Extras().DstObject)
		}
		r.sink.CommitApplied(note)
	}

	t.Finish(cause)
	for _, rider := range t.TakeBatch() {
		rider.Finish(cause)
	}
	if !t.Internal() && d.done != nil {
		d.done(cause)
	}
}

// releaseRemotePins hands back every replica pin the transaction took.
// Cleanup leaves these to us so the leak check can catch a missed release.
func (r *Rank) releaseRemotePins(t *mutation.RequestTxn) {
	for _, p := range t.RemoteAuthPins() {
		msg := &transport.AuthPinMsg{TxnID: t.ReqID(), FromRank: r.id, Object: uint64(p.Object)}
		rep := p.Rank
		go func() {
			if err := r.peer.SendAuthPinRelease(rep, msg); err != nil {
				log.Warn().Err(err).Uint64("rank", rep).Uint64("txn_id", t.ReqID()).
					Msg("Replica pin release failed, rank drops it on our death")
			}
		}()
	}
	t.DropRemoteAuthPins()
}

// detachCache drops a borrowed cache reference, releasing the cache when an
// invalidation was waiting on the last borrower.
func (r *Rank) detachCache(d *txnDriver) {
	c := d.txn.DetachLockCache()
	if c == nil {
		return
	}
	if r.caches.onDetach(c) {
		r.lk.ReleaseGrants(c.ID(), c.DetachAll())
	}
}

// buildCache leaves the directory locks of a committed cacheable operation
// granted under a fresh cache, so the client's next burst skips
// acquisition. Local transactions only; a cache never spans ranks.
func (r *Rank) buildCache(d *txnDriver) {
	t, op := d.txn, d.op
	if !r.caches.policy.Enabled || !cacheable(op.Kind) || op.Client == "" {
		return
	}
	if t.LockCache() != nil || len(d.remote) > 0 {
		return
	}
	var dir *mdtree.Node
	for _, u := range d.local {
		if u.Role == RoleParent {
			dir = r.tree.Lookup(mdtree.ObjectID(u.Object))
			break
		}
	}
	if dir == nil {
		return
	}

	cache := mutation.NewLockCache(t.ReqID(), op.Client, op.Kind, dir)
	var release []locker.Grant
	for _, g := range t.Ledger().Take() {
		if g.Lock.Node() == dir && !g.FromCache && g.Mode&locker.ModeRemoteWrlock == 0 {
			cache.AddGrant(g)
			continue
		}
		release = append(release, g)
	}
	r.lk.ReleaseGrants(t.ReqID(), release)
	if len(cache.Grants()) == 0 {
		return
	}
	cache.PinDir(dir)
	if evicted := r.caches.insert(cache); evicted != nil {
		r.lk.ReleaseGrants(evicted.ID(), evicted.DetachAll())
	}
	telemetry.LockCacheOpsTotal.With("built").Inc()
	log.Debug().Uint64("cache_id", cache.ID()).Str("client", op.Client).
		Str("op", op.Kind.String()).Str("dir", dir.ID().String()).
		Msg("Lock cache built")
}

// runCacheDrop revokes every lock cache a client holds. Internal operation,
// takes no locks of its own.
func (r *Rank) runCacheDrop(d *txnDriver) {
	t := d.txn
	for _, s := range []mutation.TxnState{mutation.StateAcquiringLocks, mutation.StateLocalApply, mutation.StateCompleted} {
		if err := t.Advance(s); err != nil {
			r.finishMaster(d, err, "rejected")
			return
		}
	}
	for _, c := range r.caches.revokeClient(d.op.Client) {
		r.lk.ReleaseGrants(c.ID(), c.DetachAll())
	}
	log.Info().Str("client", d.op.Client).Msg("Client lock caches revoked")
	r.finishMaster(d, nil, "committed")
}

// appendDecision journals a decision without waiting on the flush.
// Decision records are an audit trail; the commit record is the one whose
// durability gates progress.
func (r *Rank) appendDecision(txnID uint64, op common.OpKind, kind journal.EntryKind) {
	rec := journal.EntryRecord{TxnID: txnID, Kind: kind, Op: op}
	_, fut, err := r.log.Append(rec)
	if err != nil {
		log.Warn().Err(err).Uint64("txn_id", txnID).Msg("Decision record append failed")
		return
	}
	go func() {
		if _, err := fut.Get(); err != nil {
			log.Warn().Err(err).Uint64("txn_id", txnID).Msg("Decision record flush failed")
		}
	}()
}
