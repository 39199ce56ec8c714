package mdtree

import "fmt"

// LockType selects one of a node's lock state machines. The ordinal is part
// of the canonical lock identity, so values must never be reordered.
type LockType uint8

const (
	LockAuth LockType = iota // authority and pin admission
	LockLink                 // link count and dentry existence
	LockFile                 // file contents and size (scatter)
	LockNest                 // recursive directory stats (scatter)
	LockXAttr                // extended attributes
	LockSnap                 // snapshot metadata
	LockDentry               // dentry name binding
	lockTypeCount
)

var lockTypeNames = [lockTypeCount]string{
	"auth", "link", "file", "nest", "xattr", "snap", "dentry",
}

func (t LockType) String() string {
	if t < lockTypeCount {
		return lockTypeNames[t]
	}
	return "unknown"
}

// IsScatter reports whether the lock type carries scatter-gather state that
// must be flushed when a mutation applies.
func (t LockType) IsScatter() bool {
	return t == LockFile || t == LockNest
}

// LockID is the canonical, cluster-wide identity of one lock. The total
// order over LockIDs is the global acquisition order that rules out
// circular-wait deadlocks between overlapping mutations.
type LockID struct {
	Object ObjectID
	Type   LockType
}

func (id LockID) String() string {
	return fmt.Sprintf("%s/%s", id.Object, id.Type)
}

// Less orders by object id, then lock type ordinal.
func (id LockID) Less(other LockID) bool {
	if id.Object != other.Object {
		return id.Object < other.Object
	}
	return id.Type < other.Type
}

// Lock is one lock state machine on one node. Grant rules: any number of
// concurrent readers, or exactly one writer, or exactly one exclusive
// holder. State pins are compatible with readers and writers but exclude
// (and are excluded by) exclusive holders.
//
// Waiters are woken FCFS on every release; a woken waiter re-runs its whole
// acquisition attempt, so spurious wakeups are safe.
type Lock struct {
	node *Node
	typ  LockType

	readers   map[uint64]int // holder req id -> grant count
	writer    uint64         // holder req id, 0 when free
	xlocker   uint64         // holder req id, 0 when free
	statePins int

	dirtyScatter bool

	waiters []func()
}

func newLock(n *Node, t LockType) *Lock {
	return &Lock{
		node:    n,
		typ:     t,
		readers: make(map[uint64]int),
	}
}

func (l *Lock) ID() LockID     { return LockID{Object: l.node.ID(), Type: l.typ} }
func (l *Lock) Node() *Node    { return l.node }
func (l *Lock) Type() LockType { return l.typ }

// CanRdlock reports whether a read grant is admissible for holder.
// A holder's own write grant does not block its read.
func (l *Lock) CanRdlock(holder uint64) bool {
	if l.xlocker != 0 && l.xlocker != holder {
		return false
	}
	if l.writer != 0 && l.writer != holder {
		return false
	}
	return true
}

// GetRdlock takes a read grant. Caller must have checked CanRdlock.
func (l *Lock) GetRdlock(holder uint64) {
	l.readers[holder]++
}

// PutRdlock drops a read grant, waking waiters when the lock quiesces.
func (l *Lock) PutRdlock(holder uint64) {
	if l.readers[holder] <= 1 {
		delete(l.readers, holder)
	} else {
		l.readers[holder]--
	}
	l.wakeWaiters()
}

// CanWrlock reports whether a write grant is admissible for holder.
// Writes are exclusive of all other holders.
func (l *Lock) CanWrlock(holder uint64) bool {
	if l.xlocker != 0 && l.xlocker != holder {
		return false
	}
	if l.writer != 0 && l.writer != holder {
		return false
	}
	for r := range l.readers {
		if r != holder {
			return false
		}
	}
	return true
}

// GetWrlock takes the write grant. Caller must have checked CanWrlock.
func (l *Lock) GetWrlock(holder uint64) {
	l.writer = holder
}

// PutWrlock drops the write grant.
func (l *Lock) PutWrlock(holder uint64) {
	if l.writer == holder {
		l.writer = 0
	}
	l.wakeWaiters()
}

// CanXlock reports whether the exclusive grant is admissible for holder.
// Exclusive excludes every other grant including state pins.
func (l *Lock) CanXlock(holder uint64) bool {
	if !l.CanWrlock(holder) {
		return false
	}
	return l.statePins == 0
}

// GetXlock takes the exclusive grant. Caller must have checked CanXlock.
func (l *Lock) GetXlock(holder uint64) {
	l.xlocker = holder
}

// PutXlock drops the exclusive grant.
func (l *Lock) PutXlock(holder uint64) {
	if l.xlocker == holder {
		l.xlocker = 0
	}
	l.wakeWaiters()
}

// CanStatePin reports whether the lock state can be pinned as-is. Only an
// exclusive holder forbids it: readers and writers leave the state stable
// enough for a pin.
func (l *Lock) CanStatePin(holder uint64) bool {
	return l.xlocker == 0 || l.xlocker == holder
}

// GetStatePin pins the lock state without a read or write grant.
func (l *Lock) GetStatePin() {
	l.statePins++
}

// PutStatePin drops a state pin.
func (l *Lock) PutStatePin() {
	if l.statePins > 0 {
		l.statePins--
	}
	l.wakeWaiters()
}

// Holder queries used by contention checks and the admin API.

func (l *Lock) IsRdlockedBy(holder uint64) bool { return l.readers[holder] > 0 }
func (l *Lock) IsWrlockedBy(holder uint64) bool { return l.writer == holder && holder != 0 }
func (l *Lock) IsXlockedBy(holder uint64) bool  { return l.xlocker == holder && holder != 0 }

// IsLocked reports whether any grant or state pin is outstanding.
func (l *Lock) IsLocked() bool {
	return len(l.readers) > 0 || l.writer != 0 || l.xlocker != 0 || l.statePins > 0
}

// Writer returns the current write holder, 0 when free.
func (l *Lock) Writer() uint64 { return l.writer }

// Xlocker returns the current exclusive holder, 0 when free.
func (l *Lock) Xlocker() uint64 { return l.xlocker }

// Readers returns the number of distinct read holders.
func (l *Lock) Readers() int { return len(l.readers) }

// AddWaiter parks fn until the next release on this lock. FCFS: waiters are
// woken in arrival order.
func (l *Lock) AddWaiter(fn func()) {
	l.waiters = append(l.waiters, fn)
}

// Wake immediately re-queues all waiters. Used when a mutation gives up an
// in-flight acquisition so later arrivals are not starved behind it.
func (l *Lock) Wake() {
	l.wakeWaiters()
}

func (l *Lock) wakeWaiters() {
	if len(l.waiters) == 0 {
		return
	}
	fire := l.waiters
	l.waiters = nil
	for _, fn := range fire {
		fn()
	}
}

// Scatter state

// MarkDirtyScatter records that a mutation updated this scatter lock's
// mixed state; the flush happens when the mutation applies.
func (l *Lock) MarkDirtyScatter() {
	l.dirtyScatter = true
}

// FlushScatter folds the mixed state back into the node, bumping its
// version. No-op when clean.
func (l *Lock) FlushScatter() {
	if !l.dirtyScatter {
		return
	}
	l.dirtyScatter = false
	l.node.BumpVersion()
}

// DirtyScatter reports whether a flush is pending.
func (l *Lock) DirtyScatter() bool { return l.dirtyScatter }
