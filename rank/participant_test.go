package rank

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settfs/sett/common"
	"github.com/settfs/sett/hlc"
	"github.com/settfs/sett/journal"
	"github.com/settfs/sett/mdtree"
	"github.com/settfs/sett/transport"
)

func prepareMsg(t *testing.T, txnID, master uint64, attempt uint32, op *Op) *transport.PrepareMsg {
	t.Helper()
	payload, err := op.Encode()
	require.NoError(t, err)
	return &transport.PrepareMsg{
		TxnID:      txnID,
		Attempt:    attempt,
		MasterRank: master,
		Op:         op.Kind,
		Objects:    updateObjects(op.Updates),
		Payload:    payload,
	}
}

// sendPrepare delivers a prepare and waits for the ack.
func sendPrepare(t *testing.T, r *Rank, msg *transport.PrepareMsg) *transport.AckMsg {
	t.Helper()
	ch := make(chan *transport.AckMsg, 1)
	r.HandlePrepare(msg, func(a *transport.AckMsg) {
		select {
		case ch <- a:
		default:
		}
	})
	select {
	case a := <-ch:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("no prepare ack")
		return nil
	}
}

func sendRemoteLock(t *testing.T, r *Rank, msg *transport.LockMsg) *transport.AckMsg {
	t.Helper()
	ch := make(chan *transport.AckMsg, 1)
	r.HandleRemoteLock(msg, func(a *transport.AckMsg) {
		select {
		case ch <- a:
		default:
		}
	})
	select {
	case a := <-ch:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("no lock ack")
		return nil
	}
}

func sendAuthPin(t *testing.T, r *Rank, msg *transport.AuthPinMsg) *transport.AckMsg {
	t.Helper()
	ch := make(chan *transport.AckMsg, 1)
	r.HandleAuthPin(msg, func(a *transport.AckMsg) {
		select {
		case ch <- a:
		default:
		}
	})
	select {
	case a := <-ch:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("no pin ack")
		return nil
	}
}

func setattrOp(object uint64, key string, val interface{}) *Op {
	return &Op{
		Kind:   common.OpSetAttr,
		Client: "client-a",
		Updates: []ObjectUpdate{
			{Object: object, Role: RoleTarget, Attrs: map[string]interface{}{key: val}},
		},
	}
}

func TestParticipant_PrepareAppliesAndAcks(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 2)
	seedNode(t, r, 500, "/f", false, 2)
	clock := hlc.NewClock(1)
	txnID := clock.NextReqID()

	ack := sendPrepare(t, r, prepareMsg(t, txnID, 1, 0, setattrOp(500, "mode", int64(0600))))
	require.True(t, ack.OK)
	assert.Equal(t, uint64(3), ack.Versions[500])

	execWait(t, r, func() {
		n := r.tree.Lookup(500)
		assert.EqualValues(t, 0600, n.Attr("mode"))
		assert.Equal(t, uint64(3), n.Version())
		assert.Len(t, r.slaves, 1)
	})
	assert.Equal(t, 1, r.SlaveUpdateStats())

	// The vote is durable before it is cast.
	recs, err := r.log.ListPrepares()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, txnID, recs[0].TxnID)
	assert.Equal(t, uint64(1), recs[0].MasterRank)

	infos := r.InspectTxns()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Slave)
	assert.Equal(t, uint64(1), infos[0].Master)
}

func TestParticipant_DuplicatePrepareReplaysAck(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 2)
	seedNode(t, r, 500, "/f", false, 2)
	txnID := hlc.NewClock(1).NextReqID()
	msg := prepareMsg(t, txnID, 1, 0, setattrOp(500, "mode", int64(0600)))

	first := sendPrepare(t, r, msg)
	require.True(t, first.OK)

	// A master relaunch re-sends under the same id; the vote is re-acked,
	// not re-run.
	resend := prepareMsg(t, txnID, 1, 1, setattrOp(500, "mode", int64(0600)))
	second := sendPrepare(t, r, resend)
	require.True(t, second.OK)
	assert.Equal(t, first.Versions, second.Versions)
	execWait(t, r, func() {
		assert.Equal(t, uint64(3), r.tree.Lookup(500).Version(), "duplicate must not re-apply")
	})

	r.HandleDecide(&transport.DecideMsg{TxnID: txnID, MasterRank: 1, Commit: true})
	eventually(t, r, func() bool { return len(r.slaves) == 0 }, "commit never retired the prepare")

	// Late duplicates replay through the committed-transaction window.
	third := sendPrepare(t, r, resend)
	assert.True(t, third.OK)
	execWait(t, r, func() {
		assert.Equal(t, uint64(3), r.tree.Lookup(500).Version())
	})
}

func TestParticipant_DecideCommitRetires(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 2)
	node := seedNode(t, r, 500, "/f", false, 2)
	txnID := hlc.NewClock(1).NextReqID()

	ack := sendPrepare(t, r, prepareMsg(t, txnID, 1, 0, setattrOp(500, "mode", int64(0600))))
	require.True(t, ack.OK)

	r.HandleDecide(&transport.DecideMsg{TxnID: txnID, MasterRank: 1, Commit: true})
	eventually(t, r, func() bool { return len(r.slaves) == 0 }, "commit never retired the prepare")

	execWait(t, r, func() {
		assert.EqualValues(t, 0600, node.Attr("mode"))
		assert.False(t, node.Lock(mdtree.LockAuth).IsLocked())
	})
	assert.Zero(t, r.SlaveUpdateStats())
	require.Eventually(t, func() bool {
		recs, err := r.log.ListPrepares()
		return err == nil && len(recs) == 0
	}, 5*time.Second, 5*time.Millisecond, "prepare record outlived the commit")
}

func TestParticipant_DecideAbortRestores(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 2)
	node := seedNode(t, r, 501, "/g", false, 2)
	execWait(t, r, func() { node.SetAttr("size", int64(1)) })
	txnID := hlc.NewClock(1).NextReqID()

	ack := sendPrepare(t, r, prepareMsg(t, txnID, 1, 0, setattrOp(501, "size", int64(2))))
	require.True(t, ack.OK)
	execWait(t, r, func() {
		assert.EqualValues(t, 2, node.Attr("size"))
	})

	r.HandleDecide(&transport.DecideMsg{TxnID: txnID, MasterRank: 1, Commit: false})
	eventually(t, r, func() bool { return len(r.slaves) == 0 }, "abort never retired the prepare")

	execWait(t, r, func() {
		assert.EqualValues(t, 1, node.Attr("size"), "abort must rewind the prepared write")
		assert.Equal(t, uint64(2), node.Version())
		assert.False(t, node.Lock(mdtree.LockAuth).IsLocked())
	})
	assert.Zero(t, r.SlaveUpdateStats())
}

func TestParticipant_AbortBeforeAckTearsDown(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 2)
	node := seedNode(t, r, 500, "/f", false, 2)
	execWait(t, r, func() { node.Lock(mdtree.LockAuth).GetWrlock(999) })
	txnID := hlc.NewClock(1).NextReqID()

	replies := make(chan *transport.AckMsg, 1)
	r.HandlePrepare(prepareMsg(t, txnID, 1, 0, setattrOp(500, "mode", int64(0600))),
		func(a *transport.AckMsg) { replies <- a })

	eventually(t, r, func() bool { return len(r.slaves) == 1 }, "prepare never registered")

	r.HandleDecide(&transport.DecideMsg{TxnID: txnID, MasterRank: 1, Commit: false})
	eventually(t, r, func() bool { return len(r.slaves) == 0 }, "abort never tore down")
	assert.Empty(t, replies, "no vote was cast, none may appear")

	execWait(t, r, func() {
		node.Lock(mdtree.LockAuth).PutWrlock(999)
		assert.Nil(t, node.Attr("mode"))
	})
}

func TestParticipant_UnackedPrepareExpires(t *testing.T) {
	lb := newLoopback()
	r := newTestRankOpts(t, lb, Options{
		RankID:      2,
		Policy:      fastPolicy(),
		SlaveExpiry: 50 * time.Millisecond,
	})
	node := seedNode(t, r, 500, "/f", false, 2)
	execWait(t, r, func() { node.Lock(mdtree.LockAuth).GetWrlock(999) })
	txnID := hlc.NewClock(1).NextReqID()

	replies := make(chan *transport.AckMsg, 1)
	r.HandlePrepare(prepareMsg(t, txnID, 1, 0, setattrOp(500, "mode", int64(0600))),
		func(a *transport.AckMsg) { replies <- a })

	eventually(t, r, func() bool { return len(r.slaves) == 1 }, "prepare never registered")
	eventually(t, r, func() bool { return len(r.slaves) == 0 }, "un-acked prepare never expired")
	assert.Empty(t, replies)

	execWait(t, r, func() { node.Lock(mdtree.LockAuth).PutWrlock(999) })
}

func TestParticipant_MasterDeathSweepsEverything(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 2)
	node := seedNode(t, r, 502, "/h", false, 2)
	execWait(t, r, func() { node.SetAttr("size", int64(1)) })
	clock := hlc.NewClock(1)

	// A prepared update, a cross-rank write grant and a foreign auth pin,
	// all owed to rank 1.
	prepID := clock.NextReqID()
	ack := sendPrepare(t, r, prepareMsg(t, prepID, 1, 0, setattrOp(502, "size", int64(9))))
	require.True(t, ack.OK)

	lockID := clock.NextReqID()
	lockAck := sendRemoteLock(t, r, &transport.LockMsg{
		TxnID: lockID, FromRank: 1, Object: 502, LockType: uint8(mdtree.LockLink),
	})
	require.True(t, lockAck.OK)

	pinID := clock.NextReqID()
	pinAck := sendAuthPin(t, r, &transport.AuthPinMsg{TxnID: pinID, FromRank: 1, Object: 502})
	require.True(t, pinAck.OK)

	execWait(t, r, func() { r.onRankDead(1) })

	execWait(t, r, func() {
		assert.Empty(t, r.slaves)
		assert.Empty(t, r.remoteWr)
		assert.Empty(t, r.remotePins)
		assert.EqualValues(t, 1, node.Attr("size"), "prepared write must roll back")
		assert.False(t, node.Lock(mdtree.LockLink).IsLocked())
		assert.False(t, node.IsAuthPinned())
	})
	require.Eventually(t, func() bool {
		recs, err := r.log.ListPrepares()
		return err == nil && len(recs) == 0
	}, 5*time.Second, 5*time.Millisecond, "prepare record survived the sweep")
}

// Production rank ids are hashed machine ids, far wider than the six-bit
// rank field packed into a ReqID. The sweep must match on the full rank,
// and must not take grants of a live rank that collides modulo 64.
func TestParticipant_DeathSweepUsesFullRankID(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 2)
	dead := seedNode(t, r, 502, "/h", false, 2)
	alive := seedNode(t, r, 503, "/i", false, 2)

	// Ranks 70 and 134 share the low six bits.
	deadClock := hlc.NewClock(70)
	aliveClock := hlc.NewClock(134)

	lockAck := sendRemoteLock(t, r, &transport.LockMsg{
		TxnID: deadClock.NextReqID(), FromRank: 70, Object: 502, LockType: uint8(mdtree.LockLink),
	})
	require.True(t, lockAck.OK)
	pinAck := sendAuthPin(t, r, &transport.AuthPinMsg{
		TxnID: deadClock.NextReqID(), FromRank: 70, Object: 502,
	})
	require.True(t, pinAck.OK)

	aliveTxn := aliveClock.NextReqID()
	aliveAck := sendRemoteLock(t, r, &transport.LockMsg{
		TxnID: aliveTxn, FromRank: 134, Object: 503, LockType: uint8(mdtree.LockLink),
	})
	require.True(t, aliveAck.OK)

	execWait(t, r, func() { r.onRankDead(70) })

	execWait(t, r, func() {
		assert.Len(t, r.remoteWr, 1, "dead rank's wrlock grant must drop")
		assert.Empty(t, r.remotePins, "dead rank's auth pin must drop")
		assert.False(t, dead.Lock(mdtree.LockLink).IsLocked())
		assert.False(t, dead.IsAuthPinned())
		assert.True(t, alive.Lock(mdtree.LockLink).IsWrlockedBy(aliveTxn),
			"live rank's grant must survive the sweep")
	})
}

func TestParticipant_RecoveredPrepareAnswersDecision(t *testing.T) {
	lb := newLoopback()
	dir := t.TempDir()
	jopts := journal.Options{BatchSize: 4, BatchInterval: time.Millisecond, SyncWrites: false}

	jl1, err := journal.Open(dir, jopts)
	require.NoError(t, err)
	r1, err := New(mdtree.NewTree(2), jl1, lb.peer(2), Options{RankID: 2, Policy: fastPolicy()})
	require.NoError(t, err)
	lb.register(2, r1)

	r1.tree.GetOrCreate(500, "/f", false, 2)
	txnID := hlc.NewClock(1).NextReqID()
	ack := sendPrepare(t, r1, prepareMsg(t, txnID, 1, 0, setattrOp(500, "mode", int64(0600))))
	require.True(t, ack.OK)

	// Crash: the engine stops with the vote durable and undecided.
	r1.Stop()
	require.NoError(t, jl1.Close())

	jl2, err := journal.Open(dir, jopts)
	require.NoError(t, err)
	defer jl2.Close()
	r2, err := New(mdtree.NewTree(2), jl2, lb.peer(2), Options{RankID: 2, Policy: fastPolicy()})
	require.NoError(t, err)
	defer r2.Stop()
	lb.register(2, r2)

	execWait(t, r2, func() {
		require.Len(t, r2.slaves, 1)
		assert.True(t, r2.slaves[txnID].recovered)
	})
	assert.Equal(t, 1, r2.SlaveUpdateStats())

	// A re-sent prepare is re-acked from the standing vote.
	again := sendPrepare(t, r2, prepareMsg(t, txnID, 1, 2, setattrOp(500, "mode", int64(0600))))
	assert.True(t, again.OK)

	r2.HandleDecide(&transport.DecideMsg{TxnID: txnID, MasterRank: 1, Commit: false})
	eventually(t, r2, func() bool { return len(r2.slaves) == 0 }, "recovered prepare never resolved")
	require.Eventually(t, func() bool {
		recs, err := r2.log.ListPrepares()
		return err == nil && len(recs) == 0
	}, 5*time.Second, 5*time.Millisecond, "prepare record survived the decision")
}

func TestParticipant_RecoveredPrepareHoldsNewTransactions(t *testing.T) {
	lb := newLoopback()
	dir := t.TempDir()
	jopts := journal.Options{BatchSize: 4, BatchInterval: time.Millisecond, SyncWrites: false}

	jl1, err := journal.Open(dir, jopts)
	require.NoError(t, err)
	r1, err := New(mdtree.NewTree(2), jl1, lb.peer(2), Options{RankID: 2, Policy: fastPolicy()})
	require.NoError(t, err)
	lb.register(2, r1)

	r1.tree.GetOrCreate(500, "/f", false, 2)
	txnID := hlc.NewClock(1).NextReqID()
	ack := sendPrepare(t, r1, prepareMsg(t, txnID, 1, 0, setattrOp(500, "mode", int64(0600))))
	require.True(t, ack.OK)

	r1.Stop()
	require.NoError(t, jl1.Close())

	jl2, err := journal.Open(dir, jopts)
	require.NoError(t, err)
	defer jl2.Close()
	r2, err := New(mdtree.NewTree(2), jl2, lb.peer(2), Options{RankID: 2, Policy: fastPolicy()})
	require.NoError(t, err)
	defer r2.Stop()
	lb.register(2, r2)

	execWait(t, r2, func() {
		require.Len(t, r2.slaves, 1)
		r2.tree.GetOrCreate(500, "/f", false, 2)
	})

	// A local write on the same object may not run ahead of the decision:
	// the prepared update could still roll the object back under it.
	done := make(chan error, 1)
	_, err = r2.Submit(setattrOp(500, "mode", int64(0700)), func(c error) { done <- c })
	require.NoError(t, err)

	execWait(t, r2, func() { assert.Empty(t, r2.txns) })
	select {
	case <-done:
		t.Fatal("transaction ran ahead of the undecided prepare")
	case <-time.After(50 * time.Millisecond):
	}

	r2.HandleDecide(&transport.DecideMsg{TxnID: txnID, MasterRank: 1, Commit: true})
	select {
	case cause := <-done:
		require.NoError(t, cause)
	case <-time.After(5 * time.Second):
		t.Fatal("held transaction never resumed")
	}
	execWait(t, r2, func() {
		assert.EqualValues(t, 0700, r2.tree.Lookup(500).Attr("mode"))
	})
}

func TestParticipant_RemoteLockGrantAndRelease(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 2)
	node := seedNode(t, r, 500, "/f", false, 2)
	txnID := hlc.NewClock(1).NextReqID()
	msg := &transport.LockMsg{TxnID: txnID, FromRank: 1, Object: 500, LockType: uint8(mdtree.LockLink)}

	ack := sendRemoteLock(t, r, msg)
	require.True(t, ack.OK)
	execWait(t, r, func() {
		assert.True(t, node.Lock(mdtree.LockLink).IsWrlockedBy(txnID))
	})

	// Redelivered requests answer from the held grant.
	again := sendRemoteLock(t, r, msg)
	assert.True(t, again.OK)

	r.HandleRemoteLockRelease(msg)
	eventually(t, r, func() bool { return len(r.remoteWr) == 0 }, "grant never released")
	execWait(t, r, func() {
		assert.False(t, node.Lock(mdtree.LockLink).IsLocked())
	})
}

func TestParticipant_RemoteLockRefusals(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 2)
	seedNode(t, r, 600, "/other", false, 3)
	txnID := hlc.NewClock(1).NextReqID()

	ack := sendRemoteLock(t, r, &transport.LockMsg{TxnID: txnID, FromRank: 1, Object: 999, LockType: uint8(mdtree.LockLink)})
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Error, "unknown object")
	assert.False(t, ack.Retry)

	// Authority moved; the requester should re-resolve and retry.
	ack = sendRemoteLock(t, r, &transport.LockMsg{TxnID: txnID, FromRank: 1, Object: 600, LockType: uint8(mdtree.LockLink)})
	assert.False(t, ack.OK)
	assert.True(t, ack.Retry)
}

func TestParticipant_RemoteLockWaitsForHolder(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 2)
	node := seedNode(t, r, 500, "/f", false, 2)
	execWait(t, r, func() { node.Lock(mdtree.LockLink).GetWrlock(999) })
	txnID := hlc.NewClock(1).NextReqID()

	replies := make(chan *transport.AckMsg, 1)
	r.HandleRemoteLock(&transport.LockMsg{TxnID: txnID, FromRank: 1, Object: 500, LockType: uint8(mdtree.LockLink)},
		func(a *transport.AckMsg) { replies <- a })

	eventually(t, r, func() bool { return len(r.pendingWr) == 1 }, "request never parked")
	assert.Empty(t, replies)

	execWait(t, r, func() { node.Lock(mdtree.LockLink).PutWrlock(999) })
	select {
	case ack := <-replies:
		require.True(t, ack.OK)
	case <-time.After(5 * time.Second):
		t.Fatal("grant never resolved after the holder left")
	}
	execWait(t, r, func() {
		assert.True(t, node.Lock(mdtree.LockLink).IsWrlockedBy(txnID))
		assert.Empty(t, r.pendingWr)
	})
}

func TestParticipant_RemoteLockTimesOut(t *testing.T) {
	lb := newLoopback()
	r := newTestRankOpts(t, lb, Options{
		RankID: 2,
		Policy: RetryPolicy{PrepareTimeout: 100 * time.Millisecond, MaxRetries: 3, Backoff: 2 * time.Millisecond},
	})
	node := seedNode(t, r, 500, "/f", false, 2)
	execWait(t, r, func() { node.Lock(mdtree.LockLink).GetWrlock(999) })
	txnID := hlc.NewClock(1).NextReqID()

	replies := make(chan *transport.AckMsg, 1)
	r.HandleRemoteLock(&transport.LockMsg{TxnID: txnID, FromRank: 1, Object: 500, LockType: uint8(mdtree.LockLink)},
		func(a *transport.AckMsg) { replies <- a })

	select {
	case ack := <-replies:
		assert.False(t, ack.OK)
		assert.True(t, ack.Retry)
		assert.Contains(t, ack.Error, "timed out")
	case <-time.After(5 * time.Second):
		t.Fatal("deadline never fired")
	}
	eventually(t, r, func() bool { return len(r.pendingWr) == 0 }, "timed-out wait leaked")

	execWait(t, r, func() { node.Lock(mdtree.LockLink).PutWrlock(999) })
}

func TestParticipant_ReleaseCancelsPendingLock(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 2)
	node := seedNode(t, r, 500, "/f", false, 2)
	execWait(t, r, func() { node.Lock(mdtree.LockLink).GetWrlock(999) })
	txnID := hlc.NewClock(1).NextReqID()
	msg := &transport.LockMsg{TxnID: txnID, FromRank: 1, Object: 500, LockType: uint8(mdtree.LockLink)}

	replies := make(chan *transport.AckMsg, 1)
	r.HandleRemoteLock(msg, func(a *transport.AckMsg) { replies <- a })
	eventually(t, r, func() bool { return len(r.pendingWr) == 1 }, "request never parked")

	// The requester aborted and released before the grant resolved.
	r.HandleRemoteLockRelease(msg)
	select {
	case ack := <-replies:
		assert.False(t, ack.OK)
		assert.Contains(t, ack.Error, "released by requester")
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation never answered")
	}
	eventually(t, r, func() bool { return len(r.pendingWr) == 0 }, "cancelled wait leaked")

	// The grant never lands later.
	execWait(t, r, func() { node.Lock(mdtree.LockLink).PutWrlock(999) })
	execWait(t, r, func() {
		assert.False(t, node.Lock(mdtree.LockLink).IsLocked())
		assert.Empty(t, r.remoteWr)
	})
}

func TestParticipant_AuthPinGrantsAndRefuses(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 2)
	node := seedNode(t, r, 500, "/f", false, 2)
	clock := hlc.NewClock(1)

	ack := sendAuthPin(t, r, &transport.AuthPinMsg{TxnID: clock.NextReqID(), FromRank: 1, Object: 500})
	require.True(t, ack.OK)
	execWait(t, r, func() { assert.True(t, node.IsAuthPinned()) })

	// Frozen objects admit no new pins.
	frozen := seedNode(t, r, 501, "/g", false, 2)
	execWait(t, r, func() { frozen.Freeze() })
	ack = sendAuthPin(t, r, &transport.AuthPinMsg{TxnID: clock.NextReqID(), FromRank: 1, Object: 501})
	assert.False(t, ack.OK)
	assert.True(t, ack.Retry)
	assert.Contains(t, ack.Error, "frozen")

	ack = sendAuthPin(t, r, &transport.AuthPinMsg{TxnID: clock.NextReqID(), FromRank: 1, Object: 999})
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Error, "unknown object")
}

func TestParticipant_FreezePinDrainsForeignPins(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 2)
	node := seedNode(t, r, 500, "/f", false, 2)
	execWait(t, r, func() { node.AuthPin() })
	txnID := hlc.NewClock(1).NextReqID()
	msg := &transport.AuthPinMsg{TxnID: txnID, FromRank: 1, Object: 500, Freeze: true}

	replies := make(chan *transport.AckMsg, 1)
	r.HandleAuthPin(msg, func(a *transport.AckMsg) { replies <- a })

	eventually(t, r, func() bool { return node.Frozen() }, "freeze never took")
	assert.Empty(t, replies, "grant must wait for the pin to drain")

	execWait(t, r, func() { node.AuthUnpin() })
	select {
	case ack := <-replies:
		require.True(t, ack.OK)
	case <-time.After(5 * time.Second):
		t.Fatal("drained freeze never granted")
	}
	execWait(t, r, func() {
		assert.True(t, node.Frozen())
		assert.True(t, node.IsAuthPinned())
	})

	r.HandleAuthPinRelease(msg)
	eventually(t, r, func() bool { return len(r.remotePins) == 0 }, "pin never released")
	execWait(t, r, func() {
		assert.False(t, node.Frozen())
		assert.False(t, node.IsAuthPinned())
	})
}

func TestParticipant_FreezePinStubsUnknownObject(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 2)
	txnID := hlc.NewClock(1).NextReqID()

	ack := sendAuthPin(t, r, &transport.AuthPinMsg{TxnID: txnID, FromRank: 1, Object: 700, Freeze: true})
	require.True(t, ack.OK)

	execWait(t, r, func() {
		n := r.tree.Lookup(700)
		require.NotNil(t, n, "handoff target must materialize as a replica")
		assert.Equal(t, uint64(1), n.AuthRank(), "the sender stays authority until the decision")
		assert.True(t, n.Frozen())
	})
}

func TestParticipant_FreezePinRefusedWhileAmbiguous(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 2)
	node := seedNode(t, r, 500, "/f", false, 2)
	execWait(t, r, func() { node.SetAmbiguousAuth() })
	txnID := hlc.NewClock(1).NextReqID()

	ack := sendAuthPin(t, r, &transport.AuthPinMsg{TxnID: txnID, FromRank: 1, Object: 500, Freeze: true})
	assert.False(t, ack.OK)
	assert.True(t, ack.Retry)
	assert.Contains(t, ack.Error, "ambiguous")
}
