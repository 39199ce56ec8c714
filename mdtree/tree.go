package mdtree

import (
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// inoRankShift packs the owning rank into the top bits of allocated ids so
// two ranks can never mint the same inode number.
const inoRankShift = 48

// Tree is the rank-local registry of metadata objects. Reads are safe from
// any goroutine; structural mutation of a Node (pins, locks, attributes) is
// still owned by the rank executor.
type Tree struct {
	rankID uint64
	nodes  *xsync.MapOf[uint64, *Node]
	nextID atomic.Uint64
}

func NewTree(rankID uint64) *Tree {
	return &Tree{
		rankID: rankID,
		nodes:  xsync.NewMapOf[uint64, *Node](),
	}
}

// Lookup returns the node for id, or nil when this rank has never seen it.
func (t *Tree) Lookup(id ObjectID) *Node {
	n, _ := t.nodes.Load(uint64(id))
	return n
}

// GetOrCreate returns the node for id, inserting a fresh replica owned by
// authRank on first sight. The boolean is true when the node already
// existed.
func (t *Tree) GetOrCreate(id ObjectID, path string, isDir bool, authRank uint64) (*Node, bool) {
	n, loaded := t.nodes.LoadOrCompute(uint64(id), func() *Node {
		return NewNode(id, path, isDir, authRank)
	})
	return n, loaded
}

// Insert adds a fully formed node, replacing any existing entry.
func (t *Tree) Insert(n *Node) {
	t.nodes.Store(uint64(n.ID()), n)
}

// Remove drops id from the registry. Pinned nodes must not be removed;
// callers check PinCount first.
func (t *Tree) Remove(id ObjectID) {
	t.nodes.Delete(uint64(id))
}

// Len returns the number of resident nodes.
func (t *Tree) Len() int {
	return t.nodes.Size()
}

// ForEach visits every resident node until fn returns false.
func (t *Tree) ForEach(fn func(*Node) bool) {
	t.nodes.Range(func(_ uint64, n *Node) bool {
		return fn(n)
	})
}

// PreallocIDs mints n consecutive cluster-unique object ids: the rank in
// the high bits, a local sequence below.
func (t *Tree) PreallocIDs(n int) []ObjectID {
	if n <= 0 {
		return nil
	}
	ids := make([]ObjectID, n)
	last := t.nextID.Add(uint64(n))
	first := last - uint64(n) + 1
	for i := range ids {
		ids[i] = ObjectID(t.rankID<<inoRankShift | (first + uint64(i)))
	}
	return ids
}
