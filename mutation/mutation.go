// Package mutation carries the per-transaction state of the metadata core:
// pins, auth pins, held locks, staged object changes, and the cross-rank
// bookkeeping two-phase operations need. A Mutation lives on exactly one
// rank executor; nothing here is safe for concurrent use.
package mutation

import (
	"fmt"
	"strings"

	"github.com/settfs/sett/locker"
	"github.com/settfs/sett/mdtree"
)

// ResourceLeakError reports bookkeeping still held at teardown. Not
// recoverable: a leak means a code path skipped release or cleanup, and the
// rank's accounting can no longer be trusted.
type ResourceLeakError struct {
	ReqID uint64
	Leaks []string
}

func (e *ResourceLeakError) Error() string {
	return fmt.Sprintf("transaction %#x leaked at teardown: %s",
		e.ReqID, strings.Join(e.Leaks, ", "))
}

// ProjectedNode stages attribute changes on a node until the transaction's
// journal entry is durable.
type ProjectedNode struct {
	Node  *mdtree.Node
	Attrs map[string]interface{}
}

// ProjectedFragment stages dentry changes on a directory fragment.
type ProjectedFragment struct {
	Frag   *mdtree.Fragment
	Link   map[string]mdtree.ObjectID
	Unlink []string
}

// Mutation is the base transaction context. It records every reference the
// transaction takes on the metadata tree so that teardown can verify nothing
// outlives it.
type Mutation struct {
	reqID   uint64
	attempt uint32
	origin  uint64 // rank that initiated the transaction

	ledger locker.Ledger

	pins           map[*mdtree.Node]struct{}
	authPins       map[*mdtree.Node]struct{}
	remoteAuthPins map[RemotePin]struct{}
	stickyDirs     map[*mdtree.Node]struct{}

	// The single lock an in-flight acquisition is parked on.
	locking *mdtree.Lock

	projNodes       []ProjectedNode
	projFrags       []ProjectedFragment
	updatedScatters []*mdtree.Lock

	cache *LockCache

	committing bool
	aborted    bool
	killed     bool
	applied    bool
	cleaned    bool
}

func NewMutation(reqID, origin uint64) *Mutation {
	return &Mutation{
		reqID:          reqID,
		origin:         origin,
		pins:           make(map[*mdtree.Node]struct{}),
		authPins:       make(map[*mdtree.Node]struct{}),
		remoteAuthPins: make(map[RemotePin]struct{}),
		stickyDirs:     make(map[*mdtree.Node]struct{}),
	}
}

func (m *Mutation) ReqID() uint64  { return m.reqID }
func (m *Mutation) Origin() uint64 { return m.origin }

func (m *Mutation) Attempt() uint32 { return m.attempt }
func (m *Mutation) BumpAttempt()    { m.attempt++ }

func (m *Mutation) Ledger() *locker.Ledger { return &m.ledger }

// Pins

// Pin takes a cache reference on n. Idempotent per node: repeated pins by
// the same mutation are a single reference.
func (m *Mutation) Pin(n *mdtree.Node) {
	if _, ok := m.pins[n]; ok {
		return
	}
	m.pins[n] = struct{}{}
	n.Pin()
}

func (m *Mutation) IsPinned(n *mdtree.Node) bool {
	_, ok := m.pins[n]
	return ok
}

func (m *Mutation) PinCount() int { return len(m.pins) }

// PinSticky keeps a traversed directory resident until cleanup. Idempotent
// per directory.
func (m *Mutation) PinSticky(dir *mdtree.Node) {
	if _, ok := m.stickyDirs[dir]; ok {
		return
	}
	m.stickyDirs[dir] = struct{}{}
	dir.StickyPin()
	m.Pin(dir)
}

// Auth pins

// AuthPin takes an authority pin on n. Idempotent per node. Admission
// (frozen, ambiguous authority) is the caller's job; see
// mdtree.Node.AuthPinRefusal.
func (m *Mutation) AuthPin(n *mdtree.Node) {
	if _, ok := m.authPins[n]; ok {
		return
	}
	m.authPins[n] = struct{}{}
	n.AuthPin()
	m.Pin(n)
}

// AuthUnpin drops a single authority pin early, before cleanup. Freeze
// handoffs use it when a mutation must stop obstructing a migration.
func (m *Mutation) AuthUnpin(n *mdtree.Node) {
	if _, ok := m.authPins[n]; !ok {
		return
	}
	delete(m.authPins, n)
	n.AuthUnpin()
}

// IsAuthPinned reports whether this mutation holds an authority pin on n,
// on this rank or through a remote rank.
func (m *Mutation) IsAuthPinned(n *mdtree.Node) bool {
	if _, ok := m.authPins[n]; ok {
		return true
	}
	for p := range m.remoteAuthPins {
		if p.Object == n.ID() {
			return true
		}
	}
	return false
}

func (m *Mutation) AuthPinCount() int { return len(m.authPins) }

// RemotePin names one authority pin held on our behalf by another rank.
// An authority handoff pins the same object on every replica, so pins are
// keyed by the pair, not by the object.
type RemotePin struct {
	Object mdtree.ObjectID
	Rank   uint64
}

// SetRemoteAuthPinned records that rank holds an authority pin on the
// object for us.
func (m *Mutation) SetRemoteAuthPinned(id mdtree.ObjectID, rank uint64) {
	m.remoteAuthPins[RemotePin{Object: id, Rank: rank}] = struct{}{}
}

// RemoteAuthPins returns the pins held remotely. The driver sends the
// drops, then calls DropRemoteAuthPins.
func (m *Mutation) RemoteAuthPins() []RemotePin {
	pins := make([]RemotePin, 0, len(m.remoteAuthPins))
	for p := range m.remoteAuthPins {
		pins = append(pins, p)
	}
	return pins
}

func (m *Mutation) DropRemoteAuthPins() {
	m.remoteAuthPins = make(map[RemotePin]struct{})
}

// Locking bracket

// StartLocking brackets the one lock the mutation is parked on. Starting a
// second bracket while one is open is a bug in the acquisition driver.
func (m *Mutation) StartLocking(l *mdtree.Lock) {
	if m.locking != nil {
		panic(fmt.Sprintf("mutation %#x: locking %s while already locking %s",
			m.reqID, l.ID(), m.locking.ID()))
	}
	m.locking = l
}

func (m *Mutation) FinishLocking() { m.locking = nil }

func (m *Mutation) Locking() *mdtree.Lock { return m.locking }

// GiveUpLocking abandons an open bracket and wakes the lock so transactions
// queued behind this one are not stranded. Called when the mutation dies
// while parked.
func (m *Mutation) GiveUpLocking() {
	if m.locking == nil {
		return
	}
	l := m.locking
	m.locking = nil
	l.Wake()
}

// Projections

// ProjectNode stages attribute changes to apply once the journal entry is
// durable.
func (m *Mutation) ProjectNode(n *mdtree.Node, attrs map[string]interface{}) {
	m.projNodes = append(m.projNodes, ProjectedNode{Node: n, Attrs: attrs})
}

// ProjectFragment stages dentry changes on a directory fragment.
func (m *Mutation) ProjectFragment(f *mdtree.Fragment, link map[string]mdtree.ObjectID, unlink []string) {
	m.projFrags = append(m.projFrags, ProjectedFragment{Frag: f, Link: link, Unlink: unlink})
}

// AddUpdatedScatter records a scatter lock whose mixed state this mutation
// changed. The lock is flushed when the mutation applies.
func (m *Mutation) AddUpdatedScatter(l *mdtree.Lock) {
	for _, held := range m.updatedScatters {
		if held == l {
			return
		}
	}
	l.MarkDirtyScatter()
	m.updatedScatters = append(m.updatedScatters, l)
}

func (m *Mutation) ProjectedNodes() []ProjectedNode { return m.projNodes }

// Apply pops every staged change into the live objects and dirties them.
// Runs exactly once; the journal entry must be durable first.
func (m *Mutation) Apply() {
	if m.applied {
		return
	}
	m.applied = true

	for _, p := range m.projNodes {
		for k, v := range p.Attrs {
			p.Node.SetAttr(k, v)
		}
		p.Node.MarkDirty()
	}
	m.projNodes = nil

	for _, p := range m.projFrags {
		for name, id := range p.Link {
			p.Frag.Link(name, id)
		}
		for _, name := range p.Unlink {
			p.Frag.Unlink(name)
		}
		p.Frag.MarkDirty()
	}
	m.projFrags = nil

	for _, l := range m.updatedScatters {
		l.FlushScatter()
	}
	m.updatedScatters = nil
}

func (m *Mutation) Applied() bool { return m.applied }

// Lifecycle flags

func (m *Mutation) SetCommitting()     { m.committing = true }
func (m *Mutation) IsCommitting() bool { return m.committing }

func (m *Mutation) MarkAborted()  { m.aborted = true }
func (m *Mutation) Aborted() bool { return m.aborted }

// Kill flags the mutation dead and abandons any open locking bracket. The
// executor runs cleanup on killed mutations before dropping them.
func (m *Mutation) Kill() {
	m.killed = true
	m.GiveUpLocking()
}

func (m *Mutation) Killed() bool { return m.killed }

// Lock cache linkage

// AttachLockCache borrows a cache for this mutation. The driver records the
// cache's grants into the ledger separately.
func (m *Mutation) AttachLockCache(c *LockCache) {
	if m.cache != nil {
		return
	}
	m.cache = c
	c.Ref()
}

func (m *Mutation) LockCache() *LockCache { return m.cache }

// DetachLockCache returns the borrowed cache, if any, dropping this
// mutation's reference.
func (m *Mutation) DetachLockCache() *LockCache {
	c := m.cache
	if c != nil {
		c.Unref()
		m.cache = nil
	}
	return c
}

// Teardown

// Cleanup drops every local pin the mutation still holds. Idempotent. Locks
// must already be released and remote pins drained; Cleanup does not touch
// them so LastDitch can still catch leaks there.
func (m *Mutation) Cleanup() {
	if m.cleaned {
		return
	}
	m.cleaned = true

	for n := range m.authPins {
		n.AuthUnpin()
	}
	m.authPins = make(map[*mdtree.Node]struct{})

	for dir := range m.stickyDirs {
		dir.StickyUnpin()
	}
	m.stickyDirs = make(map[*mdtree.Node]struct{})

	for n := range m.pins {
		n.Unpin()
	}
	m.pins = make(map[*mdtree.Node]struct{})

	m.projNodes = nil
	m.projFrags = nil
	m.updatedScatters = nil
}

// LastDitch verifies the teardown invariant: nothing pinned, nothing locked,
// no open bracket, no attached cache. Returns a ResourceLeakError naming
// every violation, nil when clean.
func (m *Mutation) LastDitch() error {
	var leaks []string
	if n := len(m.pins); n > 0 {
		leaks = append(leaks, fmt.Sprintf("%d pins", n))
	}
	if n := len(m.authPins); n > 0 {
		leaks = append(leaks, fmt.Sprintf("%d auth pins", n))
	}
	if n := len(m.remoteAuthPins); n > 0 {
		leaks = append(leaks, fmt.Sprintf("%d remote auth pins", n))
	}
	if n := len(m.stickyDirs); n > 0 {
		leaks = append(leaks, fmt.Sprintf("%d sticky pins", n))
	}
	if !m.ledger.Empty() {
		leaks = append(leaks, fmt.Sprintf("%d lock grants", m.ledger.Len()))
	}
	if m.locking != nil {
		leaks = append(leaks, fmt.Sprintf("open locking bracket on %s", m.locking.ID()))
	}
	if m.cache != nil {
		leaks = append(leaks, "attached lock cache")
	}
	if len(leaks) == 0 {
		return nil
	}
	return &ResourceLeakError{ReqID: m.reqID, Leaks: leaks}
}
