// Package mdtree holds the in-memory metadata objects the transaction core
// locks and pins. Nodes expose exactly the surface the core needs: pin and
// auth-pin counters, per-type lock state machines, and the freeze /
// ambiguous-authority flags consulted before auth-pinning.
//
// Unless noted otherwise, node and lock state is owned by the rank executor
// goroutine and must only be touched from it.
package mdtree

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ObjectID identifies a metadata object (inode or directory fragment)
// cluster-wide. IDs are allocated by the authoritative rank at create time.
type ObjectID uint64

func (id ObjectID) String() string {
	return fmt.Sprintf("0x%x", uint64(id))
}

// AuthorityConflictError reports an auth-pin refused because the object is
// frozen for migration or its authority is ambiguous. Recoverable: the
// mutation defers until the object is thawed.
type AuthorityConflictError struct {
	Object    ObjectID
	Frozen    bool
	Ambiguous bool
}

func (e *AuthorityConflictError) Error() string {
	switch {
	case e.Frozen && e.Ambiguous:
		return fmt.Sprintf("object %s frozen and ambiguous", e.Object)
	case e.Frozen:
		return fmt.Sprintf("object %s frozen for authority migration", e.Object)
	default:
		return fmt.Sprintf("object %s has ambiguous authority", e.Object)
	}
}

// Waiter masks for deferred wakeups on a node.
const (
	WaitUnfreeze = 1 << iota
	WaitAmbiguityCleared
	WaitAuthPinsDrained
)

// Node is one metadata object. It carries the authority bookkeeping the
// distributed protocol needs and a lock state machine per lock type.
type Node struct {
	id       ObjectID
	path     string
	isDir    bool
	authRank uint64

	version uint64
	attrs   map[string]interface{}
	dirty   bool

	// Dentry table, allocated on first use. Directories only.
	frag *Fragment

	pins     int
	authPins int

	frozen    bool
	ambiguous bool

	// Auth pins the freezing mutation itself holds; drain waiters fire
	// when the count falls to this instead of zero.
	freezeAllowance int

	locks [lockTypeCount]*Lock

	// Deferred wakeups, keyed by the wait mask they are parked on.
	waiters []nodeWaiter

	// Sticky pin count: cache-eviction inhibitors held by mutations
	// traversing this directory.
	sticky int
}

type nodeWaiter struct {
	mask int
	fn   func()
}

// NewNode creates a node authoritative on the given rank.
func NewNode(id ObjectID, path string, isDir bool, authRank uint64) *Node {
	n := &Node{
		id:       id,
		path:     path,
		isDir:    isDir,
		authRank: authRank,
		version:  1,
		attrs:    make(map[string]interface{}),
	}
	for t := LockType(0); t < lockTypeCount; t++ {
		n.locks[t] = newLock(n, t)
	}
	return n
}

func (n *Node) ID() ObjectID    { return n.id }
func (n *Node) Path() string    { return n.path }
func (n *Node) IsDir() bool     { return n.isDir }
func (n *Node) Version() uint64 { return n.version }

// SetPath updates the node's path after a rename or link change.
func (n *Node) SetPath(p string) { n.path = p }

// Lock returns the node's lock state machine for the given type.
func (n *Node) Lock(t LockType) *Lock { return n.locks[t] }

// Authority

func (n *Node) AuthRank() uint64        { return n.authRank }
func (n *Node) SetAuthRank(rank uint64) { n.authRank = rank }
func (n *Node) IsAuth(rank uint64) bool { return n.authRank == rank }

// Pins

// Pin prevents the node from being evicted from the in-memory tree.
func (n *Node) Pin() { n.pins++ }

// Unpin releases one pin. Underflow is a resource-accounting fault the
// caller surfaces; the counter is clamped so later checks still read zero.
func (n *Node) Unpin() bool {
	if n.pins <= 0 {
		n.pins = 0
		return false
	}
	n.pins--
	return true
}

func (n *Node) Pins() int { return n.pins }

// StickyPin/StickyUnpin bracket cache-eviction inhibitors on directories.
func (n *Node) StickyPin()     { n.sticky++ }
func (n *Node) StickyUnpin()   { n.sticky-- }
func (n *Node) StickyRef() int { return n.sticky }

// Auth-pins

// CanAuthPin reports whether a new auth-pin is admissible. Frozen nodes are
// draining for an authority migration; ambiguous nodes are mid-transfer.
func (n *Node) CanAuthPin() bool {
	return !n.frozen && !n.ambiguous
}

// AuthPinRefusal returns the typed error describing why CanAuthPin is false.
func (n *Node) AuthPinRefusal() error {
	if n.CanAuthPin() {
		return nil
	}
	return &AuthorityConflictError{Object: n.id, Frozen: n.frozen, Ambiguous: n.ambiguous}
}

// AuthPin takes an authority lease. Caller must have checked CanAuthPin.
func (n *Node) AuthPin() { n.authPins++ }

// AuthUnpin releases an authority lease, waking freeze waiters when the
// last one beyond the freeze allowance drains.
func (n *Node) AuthUnpin() bool {
	if n.authPins <= 0 {
		n.authPins = 0
		return false
	}
	n.authPins--
	if n.authPins == n.freezeAllowance || n.authPins == 0 {
		n.wake(WaitAuthPinsDrained)
	}
	return true
}

func (n *Node) AuthPins() int      { return n.authPins }
func (n *Node) IsAuthPinned() bool { return n.authPins > 0 }

// Freeze / ambiguity

// Freeze forbids new auth-pins so existing ones can drain before an
// authority migration.
func (n *Node) Freeze() { n.frozen = true }

// FreezeWithAllowance freezes the node on behalf of a mutation that already
// holds allowance auth pins of its own, and reports whether the rest have
// drained. When false, park on WaitAuthPinsDrained.
func (n *Node) FreezeWithAllowance(allowance int) bool {
	n.frozen = true
	n.freezeAllowance = allowance
	return n.authPins <= allowance
}

// Unfreeze re-admits auth-pins and wakes deferred mutations.
func (n *Node) Unfreeze() {
	n.frozen = false
	n.freezeAllowance = 0
	n.wake(WaitUnfreeze)
}

func (n *Node) Frozen() bool { return n.frozen }

// SetAmbiguousAuth marks the node mid-migration: no single rank may be
// treated as sole authority until cleared.
func (n *Node) SetAmbiguousAuth() { n.ambiguous = true }

// ClearAmbiguousAuth clears the migration marker and wakes deferred
// mutations.
func (n *Node) ClearAmbiguousAuth() {
	n.ambiguous = false
	n.wake(WaitAmbiguityCleared)
}

func (n *Node) AmbiguousAuth() bool { return n.ambiguous }

// AddWaiter parks fn until any event in mask fires. Used to defer mutations
// refused by CanAuthPin.
func (n *Node) AddWaiter(mask int, fn func()) {
	n.waiters = append(n.waiters, nodeWaiter{mask: mask, fn: fn})
}

func (n *Node) wake(event int) {
	kept := n.waiters[:0]
	var fire []func()
	for _, w := range n.waiters {
		if w.mask&event != 0 {
			fire = append(fire, w.fn)
		} else {
			kept = append(kept, w)
		}
	}
	n.waiters = kept
	for _, fn := range fire {
		fn()
	}
}

// Attributes and versioning

// Attr returns a named attribute, nil when unset.
func (n *Node) Attr(key string) interface{} { return n.attrs[key] }

// SetAttr updates a named attribute and bumps the version.
func (n *Node) SetAttr(key string, val interface{}) {
	n.attrs[key] = val
	n.version++
}

// BumpVersion advances the version without an attribute change (projected
// apply, scatter flush).
func (n *Node) BumpVersion() uint64 {
	n.version++
	return n.version
}

// Dirty marks in-memory state newer than the backing store. Set when a
// durable mutation applies, cleared by writeback.
func (n *Node) MarkDirty()    { n.dirty = true }
func (n *Node) ClearDirty()   { n.dirty = false }
func (n *Node) IsDirty() bool { return n.dirty }

// Fragment returns the directory's dentry table, allocating it on first
// use. Nil for non-directories.
func (n *Node) Fragment() *Fragment {
	if !n.isDir {
		return nil
	}
	if n.frag == nil {
		n.frag = newFragment(n)
	}
	return n.frag
}

// State is a restorable snapshot of a node's mutable content. Participants
// capture it into rollback payloads before applying a prepare.
type State struct {
	Version uint64                 `msgpack:"version"`
	Path    string                 `msgpack:"path"`
	Attrs   map[string]interface{} `msgpack:"attrs"`
}

// CaptureState snapshots the node for a rollback payload.
func (n *Node) CaptureState() State {
	attrs := make(map[string]interface{}, len(n.attrs))
	for k, v := range n.attrs {
		attrs[k] = v
	}
	return State{Version: n.version, Path: n.path, Attrs: attrs}
}

// RestoreState rewinds the node to a captured snapshot.
func (n *Node) RestoreState(s State) {
	n.version = s.Version
	n.path = s.Path
	n.attrs = make(map[string]interface{}, len(s.Attrs))
	for k, v := range s.Attrs {
		n.attrs[k] = v
	}
}

// Hash returns a stable hash of the object id for shard selection.
func (id ObjectID) Hash() uint64 {
	var buf [8]byte
	v := uint64(id)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return xxhash.Sum64(buf[:])
}
