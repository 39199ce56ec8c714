package cluster

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/settfs/sett/cfg"
)

// ErrEmptyRing means placement was asked for before any rank joined.
var ErrEmptyRing = errors.New("cluster: no ranks in ring")

// Ring maps new object ids to their default authority rank with consistent
// hashing over virtual nodes. Authority of existing objects lives on the
// objects themselves; the ring only places new ones.
type Ring struct {
	replicas int // distinct ranks returned by Replicas
	vnodes   int // virtual nodes per rank

	mu      sync.RWMutex
	ring    []uint64          // sorted vnode hashes
	ringMap map[uint64]uint64 // vnode hash -> rank id
	ranks   map[uint64]bool
}

// NewRing creates an empty placement ring.
func NewRing(replicas, vnodes int) *Ring {
	return &Ring{
		replicas: replicas,
		vnodes:   vnodes,
		ringMap:  make(map[uint64]uint64),
		ranks:    make(map[uint64]bool),
	}
}

// DefaultRing creates a ring sized from cfg.Config.Cluster.
func DefaultRing() *Ring {
	cc := cfg.Config.Cluster
	return NewRing(cc.PlacementReplicas, cc.VirtualNodes)
}

// AddRank inserts a rank's virtual nodes. Adding a present rank is a no-op.
func (r *Ring) AddRank(rankID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ranks[rankID] {
		return
	}
	r.ranks[rankID] = true

	for i := 0; i < r.vnodes; i++ {
		vnode := hashVnode(rankID, i)
		r.ring = append(r.ring, vnode)
		r.ringMap[vnode] = rankID
	}
	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i] < r.ring[j] })
}

// RemoveRank drops a rank's virtual nodes. Removing an absent rank is a
// no-op.
func (r *Ring) RemoveRank(rankID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.ranks[rankID] {
		return
	}
	delete(r.ranks, rankID)

	kept := r.ring[:0]
	for _, vnode := range r.ring {
		if r.ringMap[vnode] == rankID {
			delete(r.ringMap, vnode)
			continue
		}
		kept = append(kept, vnode)
	}
	r.ring = kept
}

// RankFor returns the rank owning a new object id.
func (r *Ring) RankFor(object uint64) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return 0, ErrEmptyRing
	}
	idx := r.search(hashKey(object))
	return r.ringMap[r.ring[idx]], nil
}

// Replicas returns up to the configured number of distinct ranks for an
// object, primary first.
func (r *Ring) Replicas(object uint64) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return nil
	}

	idx := r.search(hashKey(object))
	out := make([]uint64, 0, r.replicas)
	seen := make(map[uint64]bool)

	for len(out) < r.replicas && len(out) < len(r.ranks) {
		rankID := r.ringMap[r.ring[idx]]
		if !seen[rankID] {
			out = append(out, rankID)
			seen[rankID] = true
		}
		idx = (idx + 1) % len(r.ring)
	}
	return out
}

// search finds the first vnode >= hash, wrapping at the ring end. Callers
// hold mu.
func (r *Ring) search(hash uint64) int {
	idx := sort.Search(len(r.ring), func(i int) bool { return r.ring[i] >= hash })
	if idx >= len(r.ring) {
		idx = 0
	}
	return idx
}

// Ranks returns the member rank ids in ascending order.
func (r *Ring) Ranks() []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uint64, 0, len(r.ranks))
	for rankID := range r.ranks {
		out = append(out, rankID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns the number of member ranks.
func (r *Ring) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ranks)
}

// VnodeCounts returns virtual nodes per rank, for the admin ring view.
func (r *Ring) VnodeCounts() map[uint64]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[uint64]int, len(r.ranks))
	for _, vnode := range r.ring {
		out[r.ringMap[vnode]]++
	}
	return out
}

func hashKey(object uint64) uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], object)
	sum := md5.Sum(buf[:])
	return binary.BigEndian.Uint64(sum[:8])
}

func hashVnode(rankID uint64, index int) uint64 {
	sum := md5.Sum([]byte(fmt.Sprintf("%d:%d", rankID, index)))
	return binary.BigEndian.Uint64(sum[:8])
}
