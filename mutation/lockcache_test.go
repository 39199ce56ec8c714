package mutation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settfs/sett/common"
	"github.com/settfs/sett/locker"
	"github.com/settfs/sett/mdtree"
)

func TestLockCache_AttachableMatchesClientAndOp(t *testing.T) {
	dir, _ := testDirAndFile()
	c := NewLockCache(50, "client.1", common.OpCreate, dir)

	assert.True(t, c.Attachable("client.1", common.OpCreate))
	assert.False(t, c.Attachable("client.2", common.OpCreate))
	assert.False(t, c.Attachable("client.1", common.OpUnlink))

	c.MarkInvalidating()
	assert.True(t, c.Invalidating())
	assert.False(t, c.Attachable("client.1", common.OpCreate),
		"an invalidating cache refuses new borrowers")
}

func TestLockCache_DetachAllSurrendersEverything(t *testing.T) {
	dir, _ := testDirAndFile()
	c := NewLockCache(50, "client.1", common.OpCreate, dir)

	link := dir.Lock(mdtree.LockLink)
	link.GetRdlock(c.ID())
	c.AddGrant(locker.Grant{Lock: link, Mode: locker.ModeRdlock})
	c.PinDir(dir)
	require.Equal(t, 1, dir.AuthPins())

	grants := c.DetachAll()
	require.Len(t, grants, 1)
	assert.Equal(t, 0, dir.AuthPins(), "detach drops the cache's auth pins")
	assert.Empty(t, c.Grants())
	assert.Empty(t, c.DetachAll(), "second detach holds nothing")
}

func TestLockCache_MutationAttachTracksRefs(t *testing.T) {
	dir, _ := testDirAndFile()
	c := NewLockCache(50, "client.1", common.OpCreate, dir)

	m := NewMutation(1, 0)
	m.AttachLockCache(c)
	m.AttachLockCache(c) // second attach is a no-op
	assert.Equal(t, 1, c.Refs())
	assert.Same(t, c, m.LockCache())

	detached := m.DetachLockCache()
	assert.Same(t, c, detached)
	assert.Equal(t, 0, c.Refs())
	assert.Nil(t, m.LockCache())
	assert.Nil(t, m.DetachLockCache())
}
