package mutation

import (
	"github.com/settfs/sett/common"
	"github.com/settfs/sett/locker"
	"github.com/settfs/sett/mdtree"
)

// LockCache keeps the locks of a repeated client operation granted between
// requests, so a burst of creates or unlinks in one directory pays for
// acquisition once. The cache holds its grants and auth pins under its own
// identity; attached transactions borrow them through their ledgers.
//
// A cache dies by invalidation: conflicting operations mark it, new
// attachments are refused, and once the attached transactions drain the
// driver releases everything the cache held.
type LockCache struct {
	id     uint64
	client string
	op     common.OpKind
	dir    *mdtree.Node

	grants     []locker.Grant
	pinnedDirs []*mdtree.Node

	refs         int
	invalidating bool
}

func NewLockCache(id uint64, client string, op common.OpKind, dir *mdtree.Node) *LockCache {
	return &LockCache{id: id, client: client, op: op, dir: dir}
}

func (c *LockCache) ID() uint64        { return c.id }
func (c *LockCache) Client() string    { return c.client }
func (c *LockCache) Op() common.OpKind { return c.op }
func (c *LockCache) Dir() *mdtree.Node { return c.dir }

// AddGrant records a lock the cache now holds. Build time only.
func (c *LockCache) AddGrant(g locker.Grant) {
	c.grants = append(c.grants, g)
}

func (c *LockCache) Grants() []locker.Grant { return c.grants }

// PinDir takes an auth pin on a directory under the cache's identity.
func (c *LockCache) PinDir(n *mdtree.Node) {
	n.AuthPin()
	c.pinnedDirs = append(c.pinnedDirs, n)
}

// Attachable reports whether a request by client running op may borrow this
// cache.
func (c *LockCache) Attachable(client string, op common.OpKind) bool {
	return !c.invalidating && c.client == client && c.op == op
}

func (c *LockCache) Ref()      { c.refs++ }
func (c *LockCache) Unref()    { c.refs-- }
func (c *LockCache) Refs() int { return c.refs }

// MarkInvalidating refuses new attachments. Existing borrowers finish
// normally; the driver detaches the cache when the last one drops.
func (c *LockCache) MarkInvalidating()  { c.invalidating = true }
func (c *LockCache) Invalidating() bool { return c.invalidating }

// DetachAll drops the cache's auth pins and surrenders its grants for the
// locker to release. The cache holds nothing afterwards.
func (c *LockCache) DetachAll() []locker.Grant {
	for _, d := range c.pinnedDirs {
		d.AuthUnpin()
	}
	c.pinnedDirs = nil
	grants := c.grants
	c.grants = nil
	return grants
}
