package shard

// ChangeKind classifies how the layout of a prefix changes between two definitions
type ChangeKind int

const (
	Unchanged ChangeKind = iota // same layout, options may differ
	Resharded                   // shard count or hash range changed
	Added                       // prefix moves out of the default column family
	Dropped                     // prefix moves back into the default column family
)

func (k ChangeKind) String() string {
	switch k {
	case Unchanged:
		return "unchanged"
	case Resharded:
		return "resharded"
	case Added:
		return "added"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Change describes one prefix of a diff. Old is nil for added prefixes and New
// is nil for dropped ones.
type Change struct {
	Prefix string
	Kind   ChangeKind
	Old    *Entry
	New    *Entry
}

// NeedsMigration reports whether data has to be copied for this change
func (c Change) NeedsMigration() bool {
	return c.Kind != Unchanged
}

// Diff compares two definitions. Changes are ordered like the entries of next,
// followed by dropped prefixes in the order of prev.
func Diff(prev, next *Definition) []Change {
	var changes []Change
	for i := range next.Entries {
		n := &next.Entries[i]
		o, ok := prev.Lookup(n.Prefix)
		switch {
		case !ok:
			changes = append(changes, Change{Prefix: n.Prefix, Kind: Added, New: n})
		case o.SameLayout(n):
			changes = append(changes, Change{Prefix: n.Prefix, Kind: Unchanged, Old: o, New: n})
		default:
			changes = append(changes, Change{Prefix: n.Prefix, Kind: Resharded, Old: o, New: n})
		}
	}
	for i := range prev.Entries {
		o := &prev.Entries[i]
		if _, ok := next.Lookup(o.Prefix); !ok {
			changes = append(changes, Change{Prefix: o.Prefix, Kind: Dropped, Old: o})
		}
	}
	return changes
}
