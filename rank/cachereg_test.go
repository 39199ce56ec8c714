package rank

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settfs/sett/common"
	"github.com/settfs/sett/locker"
	"github.com/settfs/sett/mdtree"
	"github.com/settfs/sett/mutation"
)

func testRegistry(maxPerClient int) *cacheRegistry {
	return newCacheRegistry(CachePolicy{
		Enabled:        true,
		MaxPerClient:   maxPerClient,
		FilterCapacity: 1 << 10,
	})
}

func buildCache(id uint64, client string, op common.OpKind, dir *mdtree.Node) *mutation.LockCache {
	c := mutation.NewLockCache(id, client, op, dir)
	c.AddGrant(locker.Grant{Lock: dir.Lock(mdtree.LockDentry), Mode: locker.ModeWrlock, FromCache: true})
	return c
}

func TestCacheRegistry_AttachableMatchesClientOpAndDir(t *testing.T) {
	tree := mdtree.NewTree(1)
	dirA, _ := tree.GetOrCreate(100, "/a", true, 1)
	dirB, _ := tree.GetOrCreate(200, "/b", true, 1)
	cr := testRegistry(4)

	c := buildCache(1, "alice", common.OpCreate, dirA)
	require.Nil(t, cr.insert(c))

	assert.Same(t, c, cr.attachable("alice", common.OpCreate, dirA.ID()))
	assert.Nil(t, cr.attachable("bob", common.OpCreate, dirA.ID()))
	assert.Nil(t, cr.attachable("alice", common.OpUnlink, dirA.ID()))
	assert.Nil(t, cr.attachable("alice", common.OpCreate, dirB.ID()))

	c.MarkInvalidating()
	assert.Nil(t, cr.attachable("alice", common.OpCreate, dirA.ID()))
}

func TestCacheRegistry_FilterTracksCachedDirs(t *testing.T) {
	tree := mdtree.NewTree(1)
	dir, _ := tree.GetOrCreate(100, "/a", true, 1)
	cr := testRegistry(4)

	assert.False(t, cr.mightConflict(100))

	c := buildCache(1, "alice", common.OpCreate, dir)
	cr.insert(c)
	assert.True(t, cr.mightConflict(100))
	assert.False(t, cr.mightConflict(101), "unrelated objects stay on the fast path")

	idle := cr.markConflict(dir.ID(), "bob", common.OpUnlink)
	require.Len(t, idle, 1)
	assert.Same(t, c, idle[0])
	assert.False(t, cr.mightConflict(100), "removal must clear the filter entry")

	caches, entries := cr.stats()
	assert.Zero(t, caches)
	assert.Zero(t, entries)
}

func TestCacheRegistry_MarkConflictSparesBusyCaches(t *testing.T) {
	tree := mdtree.NewTree(1)
	dir, _ := tree.GetOrCreate(100, "/a", true, 1)
	cr := testRegistry(4)

	c := buildCache(1, "alice", common.OpCreate, dir)
	cr.insert(c)
	c.Ref()

	idle := cr.markConflict(dir.ID(), "bob", common.OpUnlink)
	assert.Empty(t, idle, "a borrowed cache must not be yanked")
	assert.True(t, c.Invalidating())
	assert.Nil(t, cr.attachable("alice", common.OpCreate, dir.ID()))

	// The last borrower drops; now it comes back for release.
	c.Unref()
	assert.True(t, cr.onDetach(c))
	caches, _ := cr.stats()
	assert.Zero(t, caches)

	assert.False(t, cr.onDetach(c), "a removed cache detaches once")
}

func TestCacheRegistry_EvictsOldestIdleOverBudget(t *testing.T) {
	tree := mdtree.NewTree(1)
	cr := testRegistry(2)

	var dirs []*mdtree.Node
	for i := 0; i < 4; i++ {
		d, _ := tree.GetOrCreate(mdtree.ObjectID(100+i), "/d", true, 1)
		dirs = append(dirs, d)
	}
	c1 := buildCache(1, "alice", common.OpCreate, dirs[0])
	c2 := buildCache(2, "alice", common.OpCreate, dirs[1])
	require.Nil(t, cr.insert(c1))
	require.Nil(t, cr.insert(c2))

	c3 := buildCache(3, "alice", common.OpCreate, dirs[2])
	evicted := cr.insert(c3)
	require.Same(t, c1, evicted)
	assert.True(t, c1.Invalidating())
	assert.Nil(t, cr.attachable("alice", common.OpCreate, dirs[0].ID()))
	caches, _ := cr.stats()
	assert.Equal(t, 2, caches)

	grants := evicted.DetachAll()
	assert.Len(t, grants, 1)

	// Over budget again, but the oldest is borrowed: it is only marked and
	// surfaces through onDetach instead.
	c2.Ref()
	c4 := buildCache(4, "alice", common.OpCreate, dirs[3])
	assert.Nil(t, cr.insert(c4))
	assert.True(t, c2.Invalidating())

	c2.Unref()
	assert.True(t, cr.onDetach(c2))
	caches, _ = cr.stats()
	assert.Equal(t, 2, caches)
}

func TestCacheRegistry_RevokeClientSweepsTheirCaches(t *testing.T) {
	tree := mdtree.NewTree(1)
	dirA, _ := tree.GetOrCreate(100, "/a", true, 1)
	dirB, _ := tree.GetOrCreate(200, "/b", true, 1)
	dirC, _ := tree.GetOrCreate(300, "/c", true, 1)
	cr := testRegistry(4)

	idleCache := buildCache(1, "alice", common.OpCreate, dirA)
	busyCache := buildCache(2, "alice", common.OpUnlink, dirB)
	other := buildCache(3, "bob", common.OpCreate, dirC)
	cr.insert(idleCache)
	cr.insert(busyCache)
	cr.insert(other)
	busyCache.Ref()

	idle := cr.revokeClient("alice")
	require.Len(t, idle, 1)
	assert.Same(t, idleCache, idle[0])
	assert.True(t, busyCache.Invalidating())
	assert.Same(t, other, cr.attachable("bob", common.OpCreate, dirC.ID()), "other clients keep their caches")

	busyCache.Unref()
	assert.True(t, cr.onDetach(busyCache))
	caches, _ := cr.stats()
	assert.Equal(t, 1, caches)
}
