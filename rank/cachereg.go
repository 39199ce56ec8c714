package rank

import (
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"

	cuckoo "github.com/linvon/cuckoo-filter"

	"github.com/settfs/sett/cfg"
	"github.com/settfs/sett/common"
	"github.com/settfs/sett/mdtree"
	"github.com/settfs/sett/mutation"
	"github.com/settfs/sett/telemetry"
)

const (
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32 // 32-bit fingerprint keeps false hits out of the slow path
)

// CachePolicy controls per-client lock caching.
type CachePolicy struct {
	Enabled        bool
	MaxPerClient   int
	FilterCapacity uint
}

func DefaultCachePolicy() CachePolicy {
	c := cfg.Config.LockCache
	return CachePolicy{
		Enabled:        c.Enabled,
		MaxPerClient:   c.MaxPerClient,
		FilterCapacity: c.FilterCapacity,
	}
}

// cacheable reports whether a committed operation may leave its directory
// locks behind for the next request. Only repeat-heavy, purely local
// operations qualify.
func cacheable(k common.OpKind) bool {
	return k == common.OpCreate || k == common.OpUnlink
}

// contentionFilter answers "might this directory have a lock cache" without
// walking the registry. A miss is authoritative; a hit goes to the slow
// path.
type contentionFilter struct {
	mu     sync.Mutex
	filter *cuckoo.Filter
}

func newContentionFilter(capacity uint) *contentionFilter {
	numBuckets := capacity / cuckooBucketSize
	if numBuckets == 0 {
		numBuckets = 1024
	}
	return &contentionFilter{
		filter: cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize,
			numBuckets, cuckoo.TableTypePacked),
	}
}

func (f *contentionFilter) Check(object uint64) bool {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], object)
	f.mu.Lock()
	ok := f.filter.Contain(buf[:])
	f.mu.Unlock()
	return ok
}

func (f *contentionFilter) Add(object uint64) uint {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], object)
	f.mu.Lock()
	f.filter.Add(buf[:])
	size := f.filter.Size()
	f.mu.Unlock()
	return size
}

func (f *contentionFilter) Delete(object uint64) uint {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], object)
	f.mu.Lock()
	f.filter.Delete(buf[:])
	size := f.filter.Size()
	f.mu.Unlock()
	return size
}

func (f *contentionFilter) Size() uint {
	f.mu.Lock()
	size := f.filter.Size()
	f.mu.Unlock()
	return size
}

// cacheRegistry owns every live lock cache on this rank. Maps are
// executor-owned; the filter and the live count are read concurrently by
// the metrics collector.
type cacheRegistry struct {
	policy   CachePolicy
	byID     map[uint64]*mutation.LockCache
	byClient map[string][]uint64 // creation order, oldest first
	filter   *contentionFilter
	live     atomic.Int64
}

func newCacheRegistry(p CachePolicy) *cacheRegistry {
	if p.MaxPerClient <= 0 {
		p.MaxPerClient = 16
	}
	if p.FilterCapacity == 0 {
		p.FilterCapacity = 250000
	}
	return &cacheRegistry{
		policy:   p,
		byID:     make(map[uint64]*mutation.LockCache),
		byClient: make(map[string][]uint64),
		filter:   newContentionFilter(p.FilterCapacity),
	}
}

// attachable returns a live cache the client may borrow for op on dir.
func (cr *cacheRegistry) attachable(client string, op common.OpKind, dir mdtree.ObjectID) *mutation.LockCache {
	for _, id := range cr.byClient[client] {
		c := cr.byID[id]
		if c != nil && c.Dir().ID() == dir && c.Attachable(client, op) {
			return c
		}
	}
	return nil
}

// mightConflict is the fast-path check run before every acquisition.
func (cr *cacheRegistry) mightConflict(object uint64) bool {
	hit := cr.filter.Check(object)
	if hit {
		telemetry.CacheFilterChecks.With("hit").Inc()
	} else {
		telemetry.CacheFilterChecks.With("miss").Inc()
	}
	return hit
}

// conflicting lists the caches on object that (client, op) may not borrow.
// Those block the acquisition until invalidated.
func (cr *cacheRegistry) conflicting(object mdtree.ObjectID, client string, op common.OpKind) []*mutation.LockCache {
	var out []*mutation.LockCache
	for _, c := range cr.byID {
		if c.Dir().ID() == object && !c.Attachable(client, op) {
			out = append(out, c)
		}
	}
	return out
}

// insert registers a freshly built cache. When the client is over budget
// the oldest idle cache is handed back for release; a busy one is marked
// instead and detaches when its borrower drops.
func (cr *cacheRegistry) insert(c *mutation.LockCache) (evicted *mutation.LockCache) {
	cr.byID[c.ID()] = c
	cr.byClient[c.Client()] = append(cr.byClient[c.Client()], c.ID())
	cr.filter.Add(uint64(c.Dir().ID()))
	cr.publishGauges()

	ids := cr.byClient[c.Client()]
	if len(ids) <= cr.policy.MaxPerClient {
		return nil
	}
	for _, id := range ids {
		old := cr.byID[id]
		if old == nil || old == c {
			continue
		}
		telemetry.LockCacheInvalidationsTotal.With("evicted").Inc()
		old.MarkInvalidating()
		if old.Refs() == 0 {
			cr.remove(old)
			return old
		}
		return nil
	}
	return nil
}

// remove unregisters a cache. The caller releases whatever DetachAll
// surrenders.
func (cr *cacheRegistry) remove(c *mutation.LockCache) {
	delete(cr.byID, c.ID())
	ids := cr.byClient[c.Client()]
	kept := ids[:0]
	for _, id := range ids {
		if id != c.ID() {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(cr.byClient, c.Client())
	} else {
		cr.byClient[c.Client()] = kept
	}
	cr.filter.Delete(uint64(c.Dir().ID()))
	cr.publishGauges()
}

// markConflict invalidates every cache blocking (client, op) on object and
// returns the idle ones for immediate release.
func (cr *cacheRegistry) markConflict(object mdtree.ObjectID, client string, op common.OpKind) []*mutation.LockCache {
	var idle []*mutation.LockCache
	for _, c := range cr.conflicting(object, client, op) {
		if !c.Invalidating() {
			telemetry.LockCacheInvalidationsTotal.With("contention").Inc()
			c.MarkInvalidating()
		}
		if c.Refs() == 0 {
			cr.remove(c)
			idle = append(idle, c)
		}
	}
	return idle
}

// revokeClient invalidates every cache a client holds, as when its
// capability is revoked. Idle caches come back for release.
func (cr *cacheRegistry) revokeClient(client string) []*mutation.LockCache {
	var idle []*mutation.LockCache
	for _, id := range append([]uint64(nil), cr.byClient[client]...) {
		c := cr.byID[id]
		if c == nil {
			continue
		}
		if !c.Invalidating() {
			telemetry.LockCacheInvalidationsTotal.With("cap_revoked").Inc()
			c.MarkInvalidating()
		}
		if c.Refs() == 0 {
			cr.remove(c)
			idle = append(idle, c)
		}
	}
	return idle
}

// onDetach is called after a borrower drops a cache. An invalidating cache
// whose last borrower left comes back for release.
func (cr *cacheRegistry) onDetach(c *mutation.LockCache) bool {
	if c.Invalidating() && c.Refs() == 0 {
		if _, live := cr.byID[c.ID()]; live {
			cr.remove(c)
		}
		return true
	}
	return false
}

func (cr *cacheRegistry) publishGauges() {
	cr.live.Store(int64(len(cr.byID)))
	telemetry.LockCachesActive.Set(float64(len(cr.byID)))
	telemetry.CacheFilterSize.Set(float64(cr.filter.Size()))
}

// stats reports live caches and filter entries. Safe from any goroutine.
func (cr *cacheRegistry) stats() (caches, filterEntries int) {
	return int(cr.live.Load()), int(cr.filter.Size())
}

// CacheInfo is a lock cache snapshot for the admin surface.
type CacheInfo struct {
	ID           uint64 `json:"id"`
	Client       string `json:"client"`
	Op           string `json:"op"`
	Dir          uint64 `json:"dir"`
	Grants       int    `json:"grants"`
	Refs         int    `json:"refs"`
	Invalidating bool   `json:"invalidating,omitempty"`
}

// InspectCaches snapshots every live lock cache. Safe from any goroutine.
func (r *Rank) InspectCaches() []CacheInfo {
	ch := make(chan []CacheInfo, 1)
	if !r.ex.Submit(func() {
		out := make([]CacheInfo, 0, len(r.caches.byID))
		for _, c := range r.caches.byID {
			out = append(out, CacheInfo{
				ID:           c.ID(),
				Client:       c.Client(),
				Op:           c.Op().String(),
				Dir:          uint64(c.Dir().ID()),
				Grants:       len(c.Grants()),
				Refs:         c.Refs(),
				Invalidating: c.Invalidating(),
			})
		}
		ch <- out
	}) {
		return nil
	}
	out := <-ch
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
