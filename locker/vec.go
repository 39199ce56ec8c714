// Package locker implements deadlock-free lock acquisition over metadata
// objects. Callers describe what they need in a Vec, SortAndMerge collapses
// it into canonical order, and Acquire takes the grants all-or-nothing on
// behalf of a transaction.
package locker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/settfs/sett/mdtree"
)

// Mode is a bitmask of grant kinds wanted (or held) on one lock.
type Mode uint8

const (
	ModeRdlock Mode = 1 << iota
	ModeWrlock
	ModeXlock
	ModeRemoteWrlock
	ModeStatePin
)

var modeNames = []struct {
	bit  Mode
	name string
}{
	{ModeRdlock, "rdlock"},
	{ModeWrlock, "wrlock"},
	{ModeXlock, "xlock"},
	{ModeRemoteWrlock, "remote_wrlock"},
	{ModeStatePin, "state_pin"},
}

func (m Mode) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, mn := range modeNames {
		if m&mn.bit != 0 {
			parts = append(parts, mn.name)
		}
	}
	return strings.Join(parts, "+")
}

// Req is one entry of a lock request vector.
type Req struct {
	Lock       *mdtree.Lock
	Mode       Mode
	RemoteRank uint64 // authority to ask when ModeRemoteWrlock is set
}

// Vec accumulates the locks a dispatch needs before acquisition. Entries may
// be added in any order and may repeat; SortAndMerge normalizes the vector.
type Vec struct {
	reqs []Req
}

func (v *Vec) AddRdlock(l *mdtree.Lock) {
	v.reqs = append(v.reqs, Req{Lock: l, Mode: ModeRdlock})
}

func (v *Vec) AddWrlock(l *mdtree.Lock) {
	v.reqs = append(v.reqs, Req{Lock: l, Mode: ModeWrlock})
}

func (v *Vec) AddXlock(l *mdtree.Lock) {
	v.reqs = append(v.reqs, Req{Lock: l, Mode: ModeXlock})
}

// AddRemoteWrlock requests a write grant on the object's authority rank.
// The local replica's lock carries the identity only.
func (v *Vec) AddRemoteWrlock(l *mdtree.Lock, rank uint64) {
	v.reqs = append(v.reqs, Req{Lock: l, Mode: ModeRemoteWrlock, RemoteRank: rank})
}

// AddScatterGather requests a write grant plus a state pin, keeping a
// scatter lock's state stable while its mixed data is updated.
func (v *Vec) AddScatterGather(l *mdtree.Lock) {
	v.reqs = append(v.reqs, Req{Lock: l, Mode: ModeWrlock | ModeStatePin})
}

// AddStatePin pins the lock's current state without taking a grant.
func (v *Vec) AddStatePin(l *mdtree.Lock) {
	v.reqs = append(v.reqs, Req{Lock: l, Mode: ModeStatePin})
}

func (v *Vec) Len() int    { return len(v.reqs) }
func (v *Vec) Reqs() []Req { return v.reqs }

// SortAndMerge rewrites the vector into canonical form: entries sorted by
// lock identity, duplicates merged, and subsumed modes dropped (an exclusive
// grant covers read, write, and state pin; a write grant covers read).
// Calling it again on an already canonical vector is a no-op.
//
// Two entries asking for remote write grants on the same lock from different
// ranks indicate a bug in the caller and panic.
func (v *Vec) SortAndMerge() {
	if len(v.reqs) < 2 {
		v.subsume()
		return
	}

	sort.SliceStable(v.reqs, func(i, j int) bool {
		return v.reqs[i].Lock.ID().Less(v.reqs[j].Lock.ID())
	})

	out := v.reqs[:1]
	for _, r := range v.reqs[1:] {
		last := &out[len(out)-1]
		if r.Lock != last.Lock {
			out = append(out, r)
			continue
		}
		if r.Mode&ModeRemoteWrlock != 0 && last.Mode&ModeRemoteWrlock != 0 &&
			r.RemoteRank != last.RemoteRank {
			panic(fmt.Sprintf("locker: conflicting remote ranks for %s: %d vs %d",
				r.Lock.ID(), last.RemoteRank, r.RemoteRank))
		}
		last.Mode |= r.Mode
		if r.Mode&ModeRemoteWrlock != 0 {
			last.RemoteRank = r.RemoteRank
		}
	}
	v.reqs = out
	v.subsume()
}

func (v *Vec) subsume() {
	for i := range v.reqs {
		m := &v.reqs[i].Mode
		if *m&ModeXlock != 0 {
			*m &^= ModeRdlock | ModeWrlock | ModeStatePin
		} else if *m&ModeWrlock != 0 {
			*m &^= ModeRdlock
		}
	}
}
