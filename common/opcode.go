// Package common provides shared types used across the codebase.
// HARD RULE: OpKind is defined HERE and ONLY HERE.
// Transport, journal and rank packages use this type directly.
package common

// OpKind categorizes metadata operations for dispatch, journaling and
// participant rollback. The numeric value is the wire representation;
// values must never be reordered.
type OpKind int

const (
	OpUnknown OpKind = iota // 0 - means not yet classified
	OpCreate
	OpMkdir
	OpSymlink
	OpLink
	OpUnlink
	OpRmdir
	OpRename
	OpSetAttr
	OpSetXAttr
	OpSetLayout
	OpSnapCreate
	OpSnapRemove
	// Internal operations, generated by a rank rather than a client.
	OpFragmentDir
	OpExportDir
	OpCacheDrop
)

var opKindNames = map[OpKind]string{
	OpUnknown:     "unknown",
	OpCreate:      "create",
	OpMkdir:       "mkdir",
	OpSymlink:     "symlink",
	OpLink:        "link",
	OpUnlink:      "unlink",
	OpRmdir:       "rmdir",
	OpRename:      "rename",
	OpSetAttr:     "setattr",
	OpSetXAttr:    "setxattr",
	OpSetLayout:   "setlayout",
	OpSnapCreate:  "snap_create",
	OpSnapRemove:  "snap_remove",
	OpFragmentDir: "fragment_dir",
	OpExportDir:   "export_dir",
	OpCacheDrop:   "cache_drop",
}

// String returns the stable lowercase name used in logs, events and the
// admin API.
func (k OpKind) String() string {
	if name, ok := opKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// OpKindFromString parses the name produced by String. Returns OpUnknown
// for unrecognized names.
func OpKindFromString(name string) OpKind {
	for k, n := range opKindNames {
		if n == name {
			return k
		}
	}
	return OpUnknown
}

// IsInternal returns true for operations a rank generates itself
// (no originating client, completion via callback instead of reply).
func (k OpKind) IsInternal() bool {
	switch k {
	case OpFragmentDir, OpExportDir, OpCacheDrop:
		return true
	}
	return false
}

// CanSpanRanks returns true if the operation may touch objects whose
// authority lives on another rank and therefore may need witnesses.
func (k OpKind) CanSpanRanks() bool {
	switch k {
	case OpRename, OpLink, OpUnlink, OpRmdir, OpSnapCreate, OpSnapRemove, OpExportDir:
		return true
	}
	return false
}

// HasRollback returns true if a participant prepare for this operation
// must carry a rollback payload.
func (k OpKind) HasRollback() bool {
	return k.CanSpanRanks()
}
