package mdtree

// Fragment is a directory's dentry table: the name-to-object bindings link
// and unlink operations mutate. It versions and dirties independently of
// the owning node so a dentry change can journal without touching inode
// attributes.
type Fragment struct {
	dir      *Node
	dentries map[string]ObjectID
	version  uint64
	dirty    bool
}

func newFragment(dir *Node) *Fragment {
	return &Fragment{
		dir:      dir,
		dentries: make(map[string]ObjectID),
		version:  1,
	}
}

func (f *Fragment) Dir() *Node      { return f.dir }
func (f *Fragment) Version() uint64 { return f.version }
func (f *Fragment) Len() int        { return len(f.dentries) }

// Lookup resolves a name to its object.
func (f *Fragment) Lookup(name string) (ObjectID, bool) {
	id, ok := f.dentries[name]
	return id, ok
}

// Link binds name to id, bumping the fragment version.
func (f *Fragment) Link(name string, id ObjectID) {
	f.dentries[name] = id
	f.version++
}

// Unlink removes a binding. Reports false when the name was absent.
func (f *Fragment) Unlink(name string) bool {
	if _, ok := f.dentries[name]; !ok {
		return false
	}
	delete(f.dentries, name)
	f.version++
	return true
}

// ForEach visits every dentry until fn returns false.
func (f *Fragment) ForEach(fn func(name string, id ObjectID) bool) {
	for name, id := range f.dentries {
		if !fn(name, id) {
			return
		}
	}
}

func (f *Fragment) MarkDirty()    { f.dirty = true }
func (f *Fragment) ClearDirty()   { f.dirty = false }
func (f *Fragment) IsDirty() bool { return f.dirty }

// FragState is a restorable snapshot of a fragment's dentry table, captured
// into rollback payloads alongside the owning node's State.
type FragState struct {
	Version  uint64              `msgpack:"version"`
	Dentries map[string]ObjectID `msgpack:"dentries"`
}

// CaptureState snapshots the dentry table.
func (f *Fragment) CaptureState() FragState {
	dentries := make(map[string]ObjectID, len(f.dentries))
	for name, id := range f.dentries {
		dentries[name] = id
	}
	return FragState{Version: f.version, Dentries: dentries}
}

// RestoreState rewinds the dentry table to a captured snapshot.
func (f *Fragment) RestoreState(s FragState) {
	f.version = s.Version
	f.dentries = make(map[string]ObjectID, len(s.Dentries))
	for name, id := range s.Dentries {
		f.dentries[name] = id
	}
}
