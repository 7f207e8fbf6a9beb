package shard

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// HashVersion identifies the shard hash. It is persisted with every definition,
	// changing the hash without changing the version silently reroutes every key.
	HashVersion = "xxh64"

	// Separator joins a prefix and a user key into a physical key
	Separator byte = 0

	// Unbounded as HashH hashes up to the end of the key
	Unbounded = -1

	// ReservedPrefix cannot be sharded, it names the engine's default column family.
	ReservedPrefix = "default"
)

var (
	ErrUnknownHashVersion = errors.New("shard: unknown hash version")
	ErrInvalidDefinition  = errors.New("shard: invalid sharding definition")
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Entry is the shard layout of one prefix. Keys of the prefix are spread over
// ShardCount column families by hashing key[HashL:HashH].
type Entry struct {
	Prefix     string            `json:"prefix"`
	ShardCount int               `json:"shard_count"`
	HashL      int               `json:"hash_l"`
	HashH      int               `json:"hash_h"`
	Options    map[string]string `json:"options,omitempty"`

	// Generation distinguishes the column families of successive layouts of the
	// same prefix. It is assigned by the store, the parser leaves it at 0.
	Generation uint64 `json:"generation"`
}

// ColumnFamilyName returns the name of the column family holding shard index.
func (e *Entry) ColumnFamilyName(index int) string {
	return fmt.Sprintf("%s-g%d-%d", e.Prefix, e.Generation, index)
}

// ColumnFamilyNames returns the names of all shards in index order.
func (e *Entry) ColumnFamilyNames() []string {
	names := make([]string, e.ShardCount)
	for i := range names {
		names[i] = e.ColumnFamilyName(i)
	}
	return names
}

// SameLayout reports whether e and o route every key to the same shard index.
func (e *Entry) SameLayout(o *Entry) bool {
	return e.ShardCount == o.ShardCount && e.HashL == o.HashL && e.HashH == o.HashH
}

// String renders the entry in the sharding DSL
func (e *Entry) String() string {
	var sb strings.Builder
	sb.WriteString(e.Prefix)
	fmt.Fprintf(&sb, "(%d)[%d-", e.ShardCount, e.HashL)
	if e.HashH != Unbounded {
		fmt.Fprintf(&sb, "%d", e.HashH)
	}
	sb.WriteByte(']')

	if len(e.Options) > 0 {
		keys := make([]string, 0, len(e.Options))
		for k := range e.Options {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte(' ')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(e.Options[k])
		}
	}
	return sb.String()
}

func (e *Entry) validate() error {
	switch {
	case e.Prefix == "":
		return errors.Mark(errors.New("empty prefix"), ErrInvalidDefinition)
	case e.Prefix == ReservedPrefix:
		return errors.Mark(errors.Newf("prefix %q is reserved", e.Prefix), ErrInvalidDefinition)
	case strings.IndexByte(e.Prefix, Separator) >= 0:
		return errors.Mark(errors.Newf("prefix %q contains NUL", e.Prefix), ErrInvalidDefinition)
	case strings.ContainsAny(e.Prefix, "=()[] "):
		return errors.Mark(errors.Newf("prefix %q contains a reserved character", e.Prefix), ErrInvalidDefinition)
	case e.ShardCount < 1:
		return errors.Mark(errors.Newf("prefix %q: shard count %d < 1", e.Prefix, e.ShardCount), ErrInvalidDefinition)
	case e.HashL < 0:
		return errors.Mark(errors.Newf("prefix %q: negative hash start", e.Prefix), ErrInvalidDefinition)
	case e.HashH != Unbounded && e.HashL > e.HashH:
		return errors.Mark(errors.Newf("prefix %q: hash range [%d-%d] is inverted", e.Prefix, e.HashL, e.HashH), ErrInvalidDefinition)
	}
	return nil
}

// Definition is the ordered set of prefix layouts. It is the single source of
// truth for routing: prefixes without an entry live in the default column family.
type Definition struct {
	HashVersion string  `json:"hash_version"`
	Entries     []Entry `json:"entries"`
}

// NewDefinition creates a definition using the current hash version.
func NewDefinition(entries []Entry) *Definition {
	return &Definition{HashVersion: HashVersion, Entries: entries}
}

// Lookup returns the entry of prefix
func (d *Definition) Lookup(prefix string) (*Entry, bool) {
	for i := range d.Entries {
		if d.Entries[i].Prefix == prefix {
			return &d.Entries[i], true
		}
	}
	return nil, false
}

// Validate checks every entry and rejects duplicate prefixes.
func (d *Definition) Validate() error {
	if d.HashVersion != HashVersion {
		return errors.Wrapf(ErrUnknownHashVersion, "%q", d.HashVersion)
	}
	seen := make(map[string]struct{}, len(d.Entries))
	for i := range d.Entries {
		if err := d.Entries[i].validate(); err != nil {
			return err
		}
		if _, dup := seen[d.Entries[i].Prefix]; dup {
			return errors.Mark(errors.Newf("duplicate prefix %q", d.Entries[i].Prefix), ErrInvalidDefinition)
		}
		seen[d.Entries[i].Prefix] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy of d
func (d *Definition) Clone() *Definition {
	out := &Definition{HashVersion: d.HashVersion, Entries: make([]Entry, len(d.Entries))}
	for i, e := range d.Entries {
		if e.Options != nil {
			opts := make(map[string]string, len(e.Options))
			for k, v := range e.Options {
				opts[k] = v
			}
			e.Options = opts
		}
		out.Entries[i] = e
	}
	return out
}

// String renders the canonical DSL of d. Parsing the result yields d again
// (without generations).
func (d *Definition) String() string {
	parts := make([]string, len(d.Entries))
	for i := range d.Entries {
		parts[i] = d.Entries[i].String()
	}
	return strings.Join(parts, " ")
}

// --------------------------------------------------------------------------
// Persistence
// --------------------------------------------------------------------------

// Encode serializes d for storage as engine metadata
func (d *Definition) Encode() ([]byte, error) {
	raw, err := json.Marshal(d)
	return raw, errors.Wrap(err, "encode sharding definition")
}

// DecodeDefinition reads a persisted definition. A definition written with an
// unknown hash version is rejected with ErrUnknownHashVersion.
func DecodeDefinition(raw []byte) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errors.Wrap(err, "decode sharding definition")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
