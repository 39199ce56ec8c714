package rank

import (
	"fmt"

	"github.com/settfs/sett/common"
	"github.com/settfs/sett/locker"
	"github.com/settfs/sett/mdtree"
	"github.com/settfs/sett/mutation"
)

// changesSubtreeStats reports whether the operation moves recursive
// directory statistics, which rides the nest scatter lock.
func changesSubtreeStats(k common.OpKind) bool {
	switch k {
	case common.OpCreate, common.OpMkdir, common.OpSymlink,
		common.OpUnlink, common.OpRmdir, common.OpRename, common.OpFragmentDir:
		return true
	}
	return false
}

// materializeUpdates makes sure every update object resolves in the tree.
// Creations come up owned by this rank; an inbound authority handoff comes
// up as a replica of the sending master. Anything else missing means the
// operation references state this rank has never seen.
func materializeUpdates(tree *mdtree.Tree, kind common.OpKind, updates []ObjectUpdate, selfRank, masterRank uint64) error {
	for _, u := range updates {
		if u.Object == 0 {
			return &OpError{Op: kind, Reason: "update without object id"}
		}
		id := mdtree.ObjectID(u.Object)
		if tree.Lookup(id) != nil {
			continue
		}
		switch {
		case u.Create:
			tree.GetOrCreate(id, u.Path, u.IsDir, selfRank)
		case u.SetAuth != 0:
			tree.GetOrCreate(id, u.Path, u.IsDir, masterRank)
		default:
			return &OpError{Op: kind, Reason: fmt.Sprintf("unknown object %016x", u.Object)}
		}
	}
	return nil
}

// splitUpdates partitions the updates by the rank that must apply them.
// Local updates stay with this master; every other authority becomes a
// participant. An authority handoff also enlists the receiving rank, even
// though the object is still ours until the decision lands.
func (r *Rank) splitUpdates(op *Op) (local []ObjectUpdate, remote map[uint64][]ObjectUpdate, err error) {
	for _, u := range op.Updates {
		n := r.tree.Lookup(mdtree.ObjectID(u.Object))
		if n == nil {
			return nil, nil, &OpError{Op: op.Kind, Reason: fmt.Sprintf("unknown object %016x", u.Object)}
		}
		if !n.IsAuth(r.id) {
			remote = addRemote(remote, n.AuthRank(), u)
			continue
		}
		local = append(local, u)
		if u.SetAuth != 0 && u.SetAuth != r.id {
			remote = addRemote(remote, u.SetAuth, u)
		}
	}
	return local, remote, nil
}

func addRemote(m map[uint64][]ObjectUpdate, rank uint64, u ObjectUpdate) map[uint64][]ObjectUpdate {
	if m == nil {
		m = make(map[uint64][]ObjectUpdate)
	}
	m[rank] = append(m[rank], u)
	return m
}

// planLocks builds the lock vector for the updates this rank applies.
// remote is the master's participant partition; rename targets owned
// elsewhere get a cross-rank write grant through their authority before any
// prepare goes out. Participants pass remote as nil.
func (r *Rank) planLocks(op *Op, updates []ObjectUpdate, remote map[uint64][]ObjectUpdate) (*locker.Vec, error) {
	vec := &locker.Vec{}
	for _, u := range updates {
		n := r.tree.Lookup(mdtree.ObjectID(u.Object))
		if n == nil {
			return nil, &OpError{Op: op.Kind, Reason: fmt.Sprintf("unknown object %016x", u.Object)}
		}
		switch u.Role {
		case RoleParent, RoleDest:
			vec.AddWrlock(n.Lock(mdtree.LockDentry))
			if changesSubtreeStats(op.Kind) {
				vec.AddScatterGather(n.Lock(mdtree.LockNest))
			}
		case RoleTarget:
			planTargetLocks(vec, op.Kind, n)
		}
	}
	if op.Kind == common.OpRename {
		for rank, batch := range remote {
			for _, u := range batch {
				if u.Role != RoleTarget {
					continue
				}
				n := r.tree.Lookup(mdtree.ObjectID(u.Object))
				if n == nil {
					return nil, &OpError{Op: op.Kind, Reason: fmt.Sprintf("no replica of remote target %016x", u.Object)}
				}
				vec.AddRemoteWrlock(n.Lock(mdtree.LockLink), rank)
			}
		}
	}
	return vec, nil
}

func planTargetLocks(vec *locker.Vec, kind common.OpKind, n *mdtree.Node) {
	switch kind {
	case common.OpSetAttr:
		vec.AddWrlock(n.Lock(mdtree.LockAuth))
	case common.OpSetXAttr:
		vec.AddWrlock(n.Lock(mdtree.LockXAttr))
	case common.OpSetLayout:
		vec.AddWrlock(n.Lock(mdtree.LockFile))
	case common.OpCreate, common.OpMkdir, common.OpSymlink, common.OpLink, common.OpUnlink, common.OpRename:
		vec.AddWrlock(n.Lock(mdtree.LockLink))
	case common.OpRmdir:
		// no new names may appear under a dying directory
		vec.AddWrlock(n.Lock(mdtree.LockLink))
		vec.AddXlock(n.Lock(mdtree.LockDentry))
	case common.OpSnapCreate, common.OpSnapRemove:
		vec.AddWrlock(n.Lock(mdtree.LockSnap))
	case common.OpFragmentDir:
		vec.AddXlock(n.Lock(mdtree.LockDentry))
		vec.AddScatterGather(n.Lock(mdtree.LockNest))
	case common.OpExportDir:
		vec.AddStatePin(n.Lock(mdtree.LockAuth))
	}
}

// stageUpdates pins every touched object and stages the projected changes.
// Nothing becomes visible until the mutation applies.
func stageUpdates(t *mutation.RequestTxn, tree *mdtree.Tree, kind common.OpKind, updates []ObjectUpdate) {
	for _, u := range updates {
		n := tree.Lookup(mdtree.ObjectID(u.Object))
		if n == nil {
			continue
		}
		if (u.Role == RoleParent || u.Role == RoleDest) && n.IsDir() {
			t.PinSticky(n)
		} else {
			t.Pin(n)
		}
		if len(u.Attrs) > 0 {
			t.ProjectNode(n, u.Attrs)
		}
		if len(u.Link) > 0 || len(u.Unlink) > 0 {
			link := make(map[string]mdtree.ObjectID, len(u.Link))
			for name, id := range u.Link {
				link[name] = mdtree.ObjectID(id)
			}
			t.ProjectFragment(n.Fragment(), link, u.Unlink)
		}
		if (u.Role == RoleParent || u.Role == RoleDest) && changesSubtreeStats(kind) {
			t.AddUpdatedScatter(n.Lock(mdtree.LockNest))
		}
	}
}

// applyEffects finishes an applied mutation: one version bump per object,
// authority handoffs flip, ambiguity and freezes clear.
func applyEffects(tree *mdtree.Tree, updates []ObjectUpdate) {
	for _, u := range updates {
		n := tree.Lookup(mdtree.ObjectID(u.Object))
		if n == nil {
			continue
		}
		n.BumpVersion()
		if u.SetAuth != 0 {
			n.SetAuthRank(u.SetAuth)
			n.ClearAmbiguousAuth()
			n.Unfreeze()
		}
	}
}

// commitAuthority flips the authority handoffs of a decided transaction.
// Participants bump versions at prepare, so the decision only flips.
func commitAuthority(tree *mdtree.Tree, updates []ObjectUpdate) {
	for _, u := range updates {
		if u.SetAuth == 0 {
			continue
		}
		if n := tree.Lookup(mdtree.ObjectID(u.Object)); n != nil {
			n.SetAuthRank(u.SetAuth)
			n.ClearAmbiguousAuth()
			n.Unfreeze()
		}
	}
}

// bumpVersions advances every update object once. The participant's prepare
// apply uses it so acks can carry the post-apply versions.
func bumpVersions(tree *mdtree.Tree, updates []ObjectUpdate) {
	for _, u := range updates {
		if n := tree.Lookup(mdtree.ObjectID(u.Object)); n != nil {
			n.BumpVersion()
		}
	}
}

// markAmbiguous flags every authority handoff while its decision is in
// flight, refusing new auth pins on the moving objects.
func markAmbiguous(tree *mdtree.Tree, updates []ObjectUpdate) {
	for _, u := range updates {
		if u.SetAuth == 0 {
			continue
		}
		if n := tree.Lookup(mdtree.ObjectID(u.Object)); n != nil {
			n.SetAmbiguousAuth()
		}
	}
}

// clearAmbiguous rewinds markAmbiguous after an abort. The freeze taken by
// an exporting transaction drops with it.
func clearAmbiguous(tree *mdtree.Tree, updates []ObjectUpdate) {
	for _, u := range updates {
		if u.SetAuth == 0 {
			continue
		}
		if n := tree.Lookup(mdtree.ObjectID(u.Object)); n != nil {
			n.ClearAmbiguousAuth()
			n.Unfreeze()
		}
	}
}

// liveVersions reports the current version of every update object, keyed
// for the ack wire format.
func liveVersions(tree *mdtree.Tree, updates []ObjectUpdate) map[uint64]uint64 {
	v := make(map[uint64]uint64, len(updates))
	for _, u := range updates {
		if n := tree.Lookup(mdtree.ObjectID(u.Object)); n != nil {
			v[u.Object] = n.Version()
		}
	}
	return v
}

func updateObjects(updates []ObjectUpdate) []uint64 {
	ids := make([]uint64, 0, len(updates))
	for _, u := range updates {
		ids = append(ids, u.Object)
	}
	return ids
}
