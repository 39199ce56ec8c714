package rank

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/settfs/sett/common"
	"github.com/settfs/sett/mdtree"
)

// UpdateRole tags an update with its place in the operation, so the master
// and every participant derive the same lock plan from the wire payload.
type UpdateRole uint8

const (
	RoleTarget UpdateRole = iota // the object the operation is about
	RoleParent                   // directory holding the primary dentry
	RoleDest                     // destination directory of rename and link
)

// ObjectUpdate is one object's share of an operation: attribute writes,
// dentry bindings to add or drop, and optionally an authority handoff.
type ObjectUpdate struct {
	Object  uint64                 `msgpack:"object"`
	Role    UpdateRole             `msgpack:"role"`
	Attrs   map[string]interface{} `msgpack:"attrs,omitempty"`
	Link    map[string]uint64      `msgpack:"link,omitempty"`
	Unlink  []string               `msgpack:"unlink,omitempty"`
	SetAuth uint64                 `msgpack:"set_auth,omitempty"` // new authority rank, 0 means unchanged

	// Create materializes the object on whichever rank applies the update.
	// Path and IsDir seed the new node.
	Create bool   `msgpack:"create,omitempty"`
	Path   string `msgpack:"path,omitempty"`
	IsDir  bool   `msgpack:"is_dir,omitempty"`
}

// Op is a decoded operation: the journaled payload of a transaction and the
// body of every prepare sent to a participant. A participant receives the
// same structure narrowed to the updates it owns.
type Op struct {
	Kind     common.OpKind     `msgpack:"kind"`
	Client   string            `msgpack:"client,omitempty"`
	Path     string            `msgpack:"path,omitempty"`
	Path2    string            `msgpack:"path2,omitempty"`
	Updates  []ObjectUpdate    `msgpack:"updates"`
	Sessions map[string][]byte `msgpack:"sessions,omitempty"` // client sessions riding an authority handoff
}

func (o *Op) Encode() ([]byte, error) {
	return msgpack.Marshal(o)
}

func DecodeOp(b []byte) (*Op, error) {
	var o Op
	if err := msgpack.Unmarshal(b, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// narrowTo clones the operation envelope around a single rank's updates.
func (o *Op) narrowTo(updates []ObjectUpdate) *Op {
	return &Op{
		Kind:     o.Kind,
		Client:   o.Client,
		Path:     o.Path,
		Path2:    o.Path2,
		Updates:  updates,
		Sessions: o.Sessions,
	}
}

// objectRollback is one object's pre-prepare snapshot inside a rollback
// payload.
type objectRollback struct {
	Object uint64            `msgpack:"object"`
	State  mdtree.State      `msgpack:"state"`
	Frag   *mdtree.FragState `msgpack:"frag,omitempty"`
}

// rollbackPayload is what a participant journals next to a prepare: enough
// state to rewind every object the update touches if the master aborts or
// dies.
type rollbackPayload struct {
	Objects []objectRollback `msgpack:"objects"`
}

func captureRollback(tree *mdtree.Tree, updates []ObjectUpdate) ([]byte, error) {
	p := rollbackPayload{Objects: make([]objectRollback, 0, len(updates))}
	for _, u := range updates {
		n := tree.Lookup(mdtree.ObjectID(u.Object))
		if n == nil {
			continue
		}
		or := objectRollback{Object: u.Object, State: n.CaptureState()}
		if len(u.Link) > 0 || len(u.Unlink) > 0 {
			fs := n.Fragment().CaptureState()
			or.Frag = &fs
		}
		p.Objects = append(p.Objects, or)
	}
	return msgpack.Marshal(&p)
}

func decodeRollback(b []byte) (*rollbackPayload, error) {
	var p rollbackPayload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// restoreRollback rewinds every snapshotted object. Nodes created by the
// aborted prepare keep existing but carry their pre-prepare (empty) state;
// the tree treats them as cold cache entries.
func restoreRollback(tree *mdtree.Tree, p *rollbackPayload) {
	for _, or := range p.Objects {
		n := tree.Lookup(mdtree.ObjectID(or.Object))
		if n == nil {
			continue
		}
		n.RestoreState(or.State)
		if or.Frag != nil {
			n.Fragment().RestoreState(*or.Frag)
		}
	}
}
