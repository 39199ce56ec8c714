package rank

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settfs/sett/cluster"
	"github.com/settfs/sett/common"
	"github.com/settfs/sett/mdtree"
	"github.com/settfs/sett/transport"
)

type recordingSink struct {
	mu    sync.Mutex
	notes []CommitNote
}

func (s *recordingSink) CommitApplied(n CommitNote) {
	s.mu.Lock()
	s.notes = append(s.notes, n)
	s.mu.Unlock()
}

func (s *recordingSink) take() []CommitNote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CommitNote(nil), s.notes...)
}

// scriptedRank fakes a participant. Prepares run through the script by
// arrival index; decisions land on a channel. Cross-rank lock and pin
// traffic is granted blindly.
type scriptedRank struct {
	mu       sync.Mutex
	prepares []*transport.PrepareMsg
	script   func(n int, msg *transport.PrepareMsg, reply func(*transport.AckMsg))
	decided  chan *transport.DecideMsg
}

func newScriptedRank(script func(n int, msg *transport.PrepareMsg, reply func(*transport.AckMsg))) *scriptedRank {
	return &scriptedRank{script: script, decided: make(chan *transport.DecideMsg, 16)}
}

func (s *scriptedRank) HandlePrepare(msg *transport.PrepareMsg, reply func(*transport.AckMsg)) {
	s.mu.Lock()
	n := len(s.prepares)
	s.prepares = append(s.prepares, msg)
	s.mu.Unlock()
	s.script(n, msg, reply)
}

func (s *scriptedRank) HandleDecide(msg *transport.DecideMsg) { s.decided <- msg }

func (s *scriptedRank) HandleRemoteLock(msg *transport.LockMsg, reply func(*transport.AckMsg)) {
	reply(&transport.AckMsg{TxnID: msg.TxnID, OK: true})
}

func (s *scriptedRank) HandleRemoteLockRelease(*transport.LockMsg) {}

func (s *scriptedRank) HandleAuthPin(msg *transport.AuthPinMsg, reply func(*transport.AckMsg)) {
	reply(&transport.AckMsg{TxnID: msg.TxnID, OK: true})
}

func (s *scriptedRank) HandleAuthPinRelease(*transport.AuthPinMsg) {}

func (s *scriptedRank) prepareLog() []*transport.PrepareMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*transport.PrepareMsg(nil), s.prepares...)
}

func waitDecide(t *testing.T, s *scriptedRank) *transport.DecideMsg {
	t.Helper()
	select {
	case d := <-s.decided:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no decision arrived")
		return nil
	}
}

func createOp(client string, dir, file uint64, name, path string) *Op {
	return &Op{
		Kind:   common.OpCreate,
		Client: client,
		Path:   path,
		Updates: []ObjectUpdate{
			{Object: dir, Role: RoleParent, Link: map[string]uint64{name: file}},
			{Object: file, Role: RoleTarget, Create: true, Path: path,
				Attrs: map[string]interface{}{"mode": int64(0644)}},
		},
	}
}

func TestMaster_LocalCreateCommits(t *testing.T) {
	lb := newLoopback()
	sink := &recordingSink{}
	r := newTestRankOpts(t, lb, Options{
		RankID:  1,
		Policy:  fastPolicy(),
		Caching: CachePolicy{Enabled: true, MaxPerClient: 4, FilterCapacity: 1 << 12},
		Sink:    sink,
	})
	seedNode(t, r, 100, "/dir", true, 1)

	id, cause := runOp(t, r, createOp("client-a", 100, 200, "file", "/dir/file"))
	require.NoError(t, cause)

	execWait(t, r, func() {
		n := r.tree.Lookup(200)
		require.NotNil(t, n)
		assert.Equal(t, int64(0644), n.Attr("mode"))
		// One attribute write plus the apply bump.
		assert.Equal(t, uint64(3), n.Version())

		dir := r.tree.Lookup(100)
		child, ok := dir.Fragment().Lookup("file")
		require.True(t, ok)
		assert.Equal(t, mdtree.ObjectID(200), child)
		assert.Equal(t, uint64(2), dir.Version())
	})

	caches, filterEntries := r.LockCacheStats()
	assert.Equal(t, 1, caches)
	assert.GreaterOrEqual(t, filterEntries, 1)
	assert.Empty(t, r.InspectTxns())

	notes := sink.take()
	require.Len(t, notes, 1)
	assert.Equal(t, id, notes[0].TxnID)
	assert.Equal(t, common.OpCreate, notes[0].Op)
	assert.Equal(t, "client-a", notes[0].Client)
	assert.ElementsMatch(t, []uint64{100, 200}, notes[0].Objects)
}

func TestMaster_CreateMintsMissingObjectIDs(t *testing.T) {
	lb := newLoopback()
	sink := &recordingSink{}
	r := newTestRankOpts(t, lb, Options{RankID: 1, Policy: fastPolicy(), Sink: sink})
	seedNode(t, r, 100, "/dir", true, 1)

	// No object id on the create; the link binds to whatever gets minted.
	op := &Op{
		Kind:   common.OpCreate,
		Client: "client-a",
		Path:   "/dir/new",
		Updates: []ObjectUpdate{
			{Object: 100, Role: RoleParent, Link: map[string]uint64{"new": 0}},
			{Object: 0, Role: RoleTarget, Create: true, Path: "/dir/new",
				Attrs: map[string]interface{}{"mode": int64(0644)}},
		},
	}
	_, cause := runOp(t, r, op)
	require.NoError(t, cause)

	var minted mdtree.ObjectID
	execWait(t, r, func() {
		child, ok := r.tree.Lookup(100).Fragment().Lookup("new")
		require.True(t, ok)
		require.NotZero(t, uint64(child))
		minted = child

		n := r.tree.Lookup(child)
		require.NotNil(t, n)
		assert.Equal(t, int64(0644), n.Attr("mode"))
	})

	notes := sink.take()
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Objects, uint64(minted))
}

func TestMaster_DuplicateInternalOpRidesFirst(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 1)
	dir := seedNode(t, r, 100, "/dir", true, 1)

	// An outside holder keeps the dentry lock, parking the fragment.
	execWait(t, r, func() { dir.Lock(mdtree.LockDentry).GetWrlock(999) })

	fragOp := func() *Op {
		return &Op{
			Kind: common.OpFragmentDir,
			Path: "/dir",
			Updates: []ObjectUpdate{
				{Object: 100, Role: RoleTarget, Attrs: map[string]interface{}{"frag_bits": int64(1)}},
			},
		}
	}
	first := make(chan error, 1)
	id, err := r.Submit(fragOp(), func(c error) { first <- c })
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, ok := r.InspectTxn(id)
		return ok && info.State == "acquiring_locks"
	}, 5*time.Second, 2*time.Millisecond, "fragment never parked")

	second := make(chan error, 1)
	_, err = r.Submit(fragOp(), func(c error) { second <- c })
	require.NoError(t, err)

	// The duplicate rides the parked transaction instead of running its own.
	execWait(t, r, func() { assert.Len(t, r.txns, 1) })

	execWait(t, r, func() { dir.Lock(mdtree.LockDentry).PutWrlock(999) })
	for _, ch := range []chan error{first, second} {
		select {
		case cause := <-ch:
			require.NoError(t, cause)
		case <-time.After(5 * time.Second):
			t.Fatal("fragment did not finish")
		}
	}
	assert.Empty(t, r.InspectTxns())
}

func TestMaster_LockCacheReusedAcrossBurst(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 1)
	seedNode(t, r, 100, "/dir", true, 1)

	for i, name := range []string{"a", "b", "c"} {
		_, cause := runOp(t, r, createOp("client-a", 100, 200+uint64(i), name, "/dir/"+name))
		require.NoError(t, cause)
	}

	// The burst rides one cache; repeats attach instead of rebuilding.
	caches, _ := r.LockCacheStats()
	assert.Equal(t, 1, caches)

	execWait(t, r, func() {
		frag := r.tree.Lookup(100).Fragment()
		assert.Equal(t, 3, frag.Len())
	})
}

func TestMaster_ConflictingClientRebuildsCache(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 1)
	seedNode(t, r, 100, "/dir", true, 1)

	_, cause := runOp(t, r, createOp("client-a", 100, 200, "a", "/dir/a"))
	require.NoError(t, cause)

	// A different client on the same directory forces the old cache out
	// and leaves its own behind.
	_, cause = runOp(t, r, createOp("client-b", 100, 201, "b", "/dir/b"))
	require.NoError(t, cause)

	caches, _ := r.LockCacheStats()
	assert.Equal(t, 1, caches)

	infos := r.InspectCaches()
	require.Len(t, infos, 1)
	assert.Equal(t, "client-b", infos[0].Client)

	execWait(t, r, func() {
		frag := r.tree.Lookup(100).Fragment()
		_, okA := frag.Lookup("a")
		_, okB := frag.Lookup("b")
		assert.True(t, okA)
		assert.True(t, okB)
	})
}

func TestMaster_CacheDropRevokesClientCaches(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 1)
	seedNode(t, r, 100, "/dir", true, 1)

	_, cause := runOp(t, r, createOp("client-a", 100, 200, "a", "/dir/a"))
	require.NoError(t, cause)
	caches, _ := r.LockCacheStats()
	require.Equal(t, 1, caches)

	_, cause = runOp(t, r, &Op{Kind: common.OpCacheDrop, Client: "client-a"})
	require.NoError(t, cause)

	caches, _ = r.LockCacheStats()
	assert.Zero(t, caches)

	// The directory locks came back; another client acquires immediately.
	_, cause = runOp(t, r, createOp("client-b", 100, 201, "b", "/dir/b"))
	require.NoError(t, cause)
}

func TestMaster_KillParkedTransaction(t *testing.T) {
	lb := newLoopback()
	r := newTestRank(t, lb, 1)
	dir := seedNode(t, r, 100, "/dir", true, 1)

	// An outside holder keeps the dentry lock, parking the create.
	execWait(t, r, func() { dir.Lock(mdtree.LockDentry).GetWrlock(999) })

	done := make(chan error, 1)
	id, err := r.Submit(createOp("client-a", 100, 200, "a", "/dir/a"), func(c error) { done <- c })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		info, ok := r.InspectTxn(id)
		return ok && info.State == "acquiring_locks"
	}, 5*time.Second, 2*time.Millisecond, "transaction never parked")

	require.True(t, r.Kill(id))
	select {
	case cause := <-done:
		require.ErrorIs(t, cause, ErrKilled)
	case <-time.After(5 * time.Second):
		t.Fatal("killed transaction did not finish")
	}
	assert.False(t, r.Kill(id))

	execWait(t, r, func() {
		dir.Lock(mdtree.LockDentry).PutWrlock(999)
		assert.Zero(t, r.tree.Lookup(100).Fragment().Len(), "kill must not leave staged dentries")
	})

	_, cause := runOp(t, r, createOp("client-a", 100, 200, "a", "/dir/a"))
	require.NoError(t, cause)
}

func TestMaster_TwoRankLinkCommits(t *testing.T) {
	lb := newLoopback()
	sink := &recordingSink{}
	r1 := newTestRankOpts(t, lb, Options{RankID: 1, Policy: fastPolicy(), Sink: sink})
	r2 := newTestRank(t, lb, 2)

	seedNode(t, r1, 100, "/dir", true, 1)
	seedNode(t, r1, 300, "/f", false, 2) // replica pointing at rank 2
	seedNode(t, r2, 300, "/f", false, 2)

	op := &Op{
		Kind:   common.OpLink,
		Client: "client-a",
		Path:   "/dir/hard",
		Updates: []ObjectUpdate{
			{Object: 100, Role: RoleParent, Link: map[string]uint64{"hard": 300}},
			{Object: 300, Role: RoleTarget, Attrs: map[string]interface{}{"nlink": int64(2)}},
		},
	}
	id, cause := runOp(t, r1, op)
	require.NoError(t, cause)

	execWait(t, r1, func() {
		child, ok := r1.tree.Lookup(100).Fragment().Lookup("hard")
		require.True(t, ok)
		assert.Equal(t, mdtree.ObjectID(300), child)
	})

	// The decision reaches the participant asynchronously.
	eventually(t, r2, func() bool { return len(r2.slaves) == 0 }, "participant never retired")
	execWait(t, r2, func() {
		n := r2.tree.Lookup(300)
		assert.EqualValues(t, 2, n.Attr("nlink"))
		assert.Equal(t, uint64(3), n.Version())
		assert.False(t, n.Lock(mdtree.LockLink).IsLocked())
	})
	assert.Zero(t, r2.SlaveUpdateStats())
	require.Eventually(t, func() bool {
		recs, err := r2.log.ListPrepares()
		return err == nil && len(recs) == 0
	}, 5*time.Second, 5*time.Millisecond, "prepare record outlived the decision")

	notes := sink.take()
	require.Len(t, notes, 1)
	assert.Equal(t, id, notes[0].TxnID)
	assert.Equal(t, uint64(300), notes[0].SrcObject)
}

func TestMaster_ParticipantRefusalAborts(t *testing.T) {
	lb := newLoopback()
	r1 := newTestRank(t, lb, 1)
	scripted := newScriptedRank(func(n int, msg *transport.PrepareMsg, reply func(*transport.AckMsg)) {
		reply(&transport.AckMsg{TxnID: msg.TxnID, Error: "unknown object", Retry: false})
	})
	lb.register(3, scripted)

	seedNode(t, r1, 100, "/dir", true, 1)
	seedNode(t, r1, 300, "/f", false, 3)

	op := &Op{
		Kind:   common.OpLink,
		Client: "client-a",
		Updates: []ObjectUpdate{
			{Object: 100, Role: RoleParent, Link: map[string]uint64{"hard": 300}},
			{Object: 300, Role: RoleTarget, Attrs: map[string]interface{}{"nlink": int64(2)}},
		},
	}
	_, cause := runOp(t, r1, op)
	var pf *ParticipantFailureError
	require.ErrorAs(t, cause, &pf)
	assert.Equal(t, uint64(3), pf.Rank)

	// The dispatched participant hears the abort explicitly.
	d := waitDecide(t, scripted)
	assert.False(t, d.Commit)

	execWait(t, r1, func() {
		dir := r1.tree.Lookup(100)
		_, ok := dir.Fragment().Lookup("hard")
		assert.False(t, ok, "aborted link must not apply")
		assert.Equal(t, uint64(1), dir.Version())
	})
	assert.Empty(t, r1.InspectTxns())
}

func TestMaster_RetriableRefusalRelaunches(t *testing.T) {
	lb := newLoopback()
	r1 := newTestRank(t, lb, 1)
	scripted := newScriptedRank(func(n int, msg *transport.PrepareMsg, reply func(*transport.AckMsg)) {
		if n == 0 {
			reply(&transport.AckMsg{TxnID: msg.TxnID, Error: "busy", Retry: true})
			return
		}
		reply(&transport.AckMsg{TxnID: msg.TxnID, OK: true, Versions: map[uint64]uint64{300: 2}})
	})
	lb.register(3, scripted)

	seedNode(t, r1, 100, "/dir", true, 1)
	seedNode(t, r1, 300, "/f", false, 3)

	op := &Op{
		Kind:   common.OpLink,
		Client: "client-a",
		Updates: []ObjectUpdate{
			{Object: 100, Role: RoleParent, Link: map[string]uint64{"hard": 300}},
			{Object: 300, Role: RoleTarget, Attrs: map[string]interface{}{"nlink": int64(2)}},
		},
	}
	id, cause := runOp(t, r1, op)
	require.NoError(t, cause)

	prepares := scripted.prepareLog()
	require.Len(t, prepares, 2)
	assert.Equal(t, id, prepares[0].TxnID)
	assert.Equal(t, id, prepares[1].TxnID)
	assert.Equal(t, uint32(0), prepares[0].Attempt)
	assert.Equal(t, uint32(1), prepares[1].Attempt)

	d := waitDecide(t, scripted)
	assert.True(t, d.Commit)

	execWait(t, r1, func() {
		_, ok := r1.tree.Lookup(100).Fragment().Lookup("hard")
		assert.True(t, ok)
	})
}

func TestMaster_PrepareTimeoutRelaunches(t *testing.T) {
	lb := newLoopback()
	r1 := newTestRank(t, lb, 1)
	scripted := newScriptedRank(func(n int, msg *transport.PrepareMsg, reply func(*transport.AckMsg)) {
		if n == 0 {
			return // swallow the first prepare; the master's deadline fires
		}
		reply(&transport.AckMsg{TxnID: msg.TxnID, OK: true})
	})
	lb.register(3, scripted)

	seedNode(t, r1, 100, "/dir", true, 1)
	seedNode(t, r1, 300, "/f", false, 3)

	op := &Op{
		Kind:   common.OpLink,
		Client: "client-a",
		Updates: []ObjectUpdate{
			{Object: 100, Role: RoleParent, Link: map[string]uint64{"hard": 300}},
			{Object: 300, Role: RoleTarget, Attrs: map[string]interface{}{"nlink": int64(2)}},
		},
	}
	start := time.Now()
	_, cause := runOp(t, r1, op)
	require.NoError(t, cause)
	assert.GreaterOrEqual(t, time.Since(start), fastPolicy().PrepareTimeout)

	require.Len(t, scripted.prepareLog(), 2)

	// The timed-out attempt is aborted toward the participant before the
	// relaunch commits.
	first := waitDecide(t, scripted)
	assert.False(t, first.Commit)
	second := waitDecide(t, scripted)
	assert.True(t, second.Commit)
}

func TestMaster_RetryBudgetExhausted(t *testing.T) {
	lb := newLoopback()
	r1 := newTestRank(t, lb, 1)
	scripted := newScriptedRank(func(n int, msg *transport.PrepareMsg, reply func(*transport.AckMsg)) {
		reply(&transport.AckMsg{TxnID: msg.TxnID, Error: "busy", Retry: true})
	})
	lb.register(3, scripted)

	seedNode(t, r1, 100, "/dir", true, 1)
	seedNode(t, r1, 300, "/f", false, 3)

	op := &Op{
		Kind:   common.OpLink,
		Client: "client-a",
		Updates: []ObjectUpdate{
			{Object: 100, Role: RoleParent, Link: map[string]uint64{"hard": 300}},
			{Object: 300, Role: RoleTarget, Attrs: map[string]interface{}{"nlink": int64(2)}},
		},
	}
	_, cause := runOp(t, r1, op)
	var pf *ParticipantFailureError
	require.ErrorAs(t, cause, &pf)

	// Initial attempt plus the full relaunch budget.
	prepares := scripted.prepareLog()
	require.Len(t, prepares, fastPolicy().MaxRetries+1)
	for i, p := range prepares {
		assert.Equal(t, uint32(i), p.Attempt)
	}
	assert.Empty(t, r1.InspectTxns())
}

func TestMaster_RenameAcrossRanks(t *testing.T) {
	lb := newLoopback()
	sink := &recordingSink{}
	r1 := newTestRankOpts(t, lb, Options{RankID: 1, Policy: fastPolicy(), Sink: sink})
	r2 := newTestRank(t, lb, 2)

	src := seedNode(t, r1, 100, "/a", true, 1)
	seedNode(t, r1, 101, "/b", true, 1)
	seedNode(t, r1, 300, "/a/old", false, 2)
	seedNode(t, r2, 300, "/a/old", false, 2)
	execWait(t, r1, func() { src.Fragment().Link("old", 300) })

	op := &Op{
		Kind:   common.OpRename,
		Client: "client-a",
		Path:   "/a/old",
		Path2:  "/b/new",
		Updates: []ObjectUpdate{
			{Object: 100, Role: RoleParent, Unlink: []string{"old"}},
			{Object: 101, Role: RoleDest, Link: map[string]uint64{"new": 300}},
			{Object: 300, Role: RoleTarget, Attrs: map[string]interface{}{"name": "new"}},
		},
	}
	_, cause := runOp(t, r1, op)
	require.NoError(t, cause)

	execWait(t, r1, func() {
		_, ok := r1.tree.Lookup(100).Fragment().Lookup("old")
		assert.False(t, ok)
		child, ok := r1.tree.Lookup(101).Fragment().Lookup("new")
		require.True(t, ok)
		assert.Equal(t, mdtree.ObjectID(300), child)
	})

	eventually(t, r2, func() bool { return len(r2.slaves) == 0 }, "participant never retired")
	// The cross-rank write grant taken for the rename comes back to its
	// authority when the master tears down.
	eventually(t, r2, func() bool { return len(r2.remoteWr) == 0 }, "remote wrlock leaked")
	execWait(t, r2, func() {
		n := r2.tree.Lookup(300)
		assert.EqualValues(t, "new", n.Attr("name"))
		assert.False(t, n.Lock(mdtree.LockLink).IsLocked())
	})

	notes := sink.take()
	require.Len(t, notes, 1)
	assert.Equal(t, uint64(300), notes[0].SrcObject)
	assert.Equal(t, uint64(101), notes[0].DstObject)
}

func TestMaster_ExportDirHandsOffAuthority(t *testing.T) {
	lb := newLoopback()
	r1 := newTestRank(t, lb, 1)
	r2 := newTestRank(t, lb, 2)
	r3 := newTestRank(t, lb, 3)

	ring := cluster.NewRing(3, 16)
	ring.AddRank(1)
	ring.AddRank(2)
	ring.AddRank(3)
	execWait(t, r1, func() { r1.ring = ring })

	seedNode(t, r1, 400, "/exp", true, 1)
	sessions := map[string][]byte{"client-a": []byte("session-blob")}
	execWait(t, r1, func() { r1.installSessions(sessions) })
	require.Equal(t, []string{"client-a"}, r1.InspectSessions())

	op := &Op{
		Kind: common.OpExportDir,
		Path: "/exp",
		Updates: []ObjectUpdate{
			{Object: 400, Role: RoleTarget, SetAuth: 2, Path: "/exp", IsDir: true},
		},
		Sessions: sessions,
	}
	_, cause := runOp(t, r1, op)
	require.NoError(t, cause)

	execWait(t, r1, func() {
		n := r1.tree.Lookup(400)
		assert.Equal(t, uint64(2), n.AuthRank())
		assert.False(t, n.Frozen())
		assert.False(t, n.AmbiguousAuth())
	})
	assert.Empty(t, r1.InspectSessions(), "exported sessions leave the old authority")

	eventually(t, r2, func() bool { return len(r2.slaves) == 0 }, "importer never retired")
	execWait(t, r2, func() {
		n := r2.tree.Lookup(400)
		require.NotNil(t, n)
		assert.Equal(t, uint64(2), n.AuthRank())
		assert.False(t, n.AmbiguousAuth())
	})
	assert.Equal(t, []string{"client-a"}, r2.InspectSessions(), "sessions ride the handoff")

	// The replica's freeze pin drops when the master retires.
	eventually(t, r3, func() bool { return len(r3.remotePins) == 0 }, "replica pin leaked")
	execWait(t, r3, func() {
		n := r3.tree.Lookup(400)
		require.NotNil(t, n)
		assert.False(t, n.IsAuthPinned())
		assert.False(t, n.Frozen())
	})
}
