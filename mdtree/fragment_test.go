package mdtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragment_OnlyDirectoriesHaveOne(t *testing.T) {
	dir := NewNode(0x1, "/d", true, 1)
	file := NewNode(0x2, "/d/f", false, 1)

	require.NotNil(t, dir.Fragment())
	assert.Same(t, dir.Fragment(), dir.Fragment(), "fragment must be allocated once")
	assert.Nil(t, file.Fragment())
}

func TestFragment_LinkUnlinkLookup(t *testing.T) {
	dir := NewNode(0x1, "/d", true, 1)
	f := dir.Fragment()
	v := f.Version()

	f.Link("a", 0x10)
	f.Link("b", 0x20)
	assert.Equal(t, 2, f.Len())
	assert.Equal(t, v+2, f.Version())

	id, ok := f.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, ObjectID(0x10), id)

	require.True(t, f.Unlink("a"))
	assert.False(t, f.Unlink("a"), "second unlink of the same name must fail")
	_, ok = f.Lookup("a")
	assert.False(t, ok)
	assert.Equal(t, v+3, f.Version(), "failed unlink must not bump the version")
}

func TestFragment_CaptureRestoreIsolated(t *testing.T) {
	dir := NewNode(0x1, "/d", true, 1)
	f := dir.Fragment()
	f.Link("keep", 0x10)

	snap := f.CaptureState()
	f.Link("extra", 0x20)
	require.True(t, f.Unlink("keep"))
	snap.Dentries["injected"] = 0x99

	f.RestoreState(f.CaptureState()) // self round-trip is a no-op
	_, ok := f.Lookup("injected")
	assert.False(t, ok, "mutating the snapshot must not leak into the fragment")

	f.RestoreState(snap)
	_, keep := f.Lookup("keep")
	assert.True(t, keep)
	_, extra := f.Lookup("extra")
	assert.False(t, extra)
}

func TestNode_DirtyFlag(t *testing.T) {
	n := NewNode(0x1, "/f", false, 1)
	assert.False(t, n.IsDirty())
	n.MarkDirty()
	assert.True(t, n.IsDirty())
	n.ClearDirty()
	assert.False(t, n.IsDirty())
}
