package cabin

import (
	"sort"
	"sync/atomic"

	"github.com/ValentinKolb/cabinkv/lib/engine"
	"github.com/ValentinKolb/cabinkv/lib/shard"
	"github.com/ValentinKolb/cabinkv/lib/util"
	"github.com/puzpuzpuz/xsync/v3"
)

// shardRecord binds the layout of a prefix to its column families.
// Records are immutable, a layout change replaces the whole record so a reader
// never sees a shard count that does not match its handles.
type shardRecord struct {
	entry   shard.Entry
	handles []engine.ColumnFamily
}

// handle returns the column family holding the user key key
func (r *shardRecord) handle(key []byte) engine.ColumnFamily {
	return r.handles[r.entry.Shard(key)]
}

// migrationState tracks the copy of one prefix from its authoritative layout to
// the layout it is migrated to. It is changed only while the write gate is held
// exclusively.
type migrationState struct {
	cmp    util.Comparer // order of physical keys
	source *shardRecord
	target *shardRecord
	done   int    // source column families copied completely
	cursor []byte // next physical key to copy from source.handles[done], nil before the first chunk
}

// copied reports whether the copy already passed the key. Writes to keys the copy
// has not reached yet go to the source only, the copy carries them over.
func (m *migrationState) copied(key, physical []byte) bool {
	idx := m.source.entry.Shard(key)
	switch {
	case idx < m.done:
		return true
	case idx > m.done:
		return false
	}
	return m.cursor != nil && m.cmp.Compare(physical, m.cursor) < 0
}

// advance records the position of the copy in source column family idx. A nil
// next marks the column family as copied completely.
func (m *migrationState) advance(idx int, next []byte) {
	if next == nil {
		m.done, m.cursor = idx+1, nil
		return
	}
	m.done, m.cursor = idx, next
}

// registry owns the live column family handles of a store. It is created when the
// store opens and discarded when it closes.
//
// Reads are lock-free. Mutations happen while the store's write gate is held
// exclusively, so a submitted transaction always resolves against one layout.
// Readers that do not take the gate use the epoch like a sequence lock: it is
// odd while a cutover is in progress and changes with every cutover.
type registry struct {
	defaultCF engine.ColumnFamily
	unsharded *shardRecord // record of every prefix without an entry

	def       atomic.Pointer[shard.Definition]
	records   *xsync.MapOf[string, *shardRecord]    // prefix -> authoritative layout
	prefixes  *xsync.MapOf[uint32, string]          // column family id -> prefix
	migrating *xsync.MapOf[string, *migrationState] // prefix -> copy receiving dual writes
	epoch     atomic.Uint64
}

func newRegistry(defaultCF engine.ColumnFamily, def *shard.Definition) *registry {
	r := &registry{
		defaultCF: defaultCF,
		unsharded: &shardRecord{
			entry:   shard.Entry{ShardCount: 1, HashH: shard.Unbounded},
			handles: []engine.ColumnFamily{defaultCF},
		},
		records:   xsync.NewMapOf[string, *shardRecord](),
		prefixes:  xsync.NewMapOf[uint32, string](),
		migrating: xsync.NewMapOf[string, *migrationState](),
	}
	r.def.Store(def)
	return r
}

// --------------------------------------------------------------------------
// Lookups
// --------------------------------------------------------------------------

// cfHandle returns the column family of key under the current layout of prefix.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (r *registry) cfHandle(prefix string, key []byte) engine.ColumnFamily {
	return r.route(prefix).handle(key)
}

// route returns the authoritative record of prefix
func (r *registry) route(prefix string) *shardRecord {
	if rec, ok := r.records.Load(prefix); ok {
		return rec
	}
	return r.unsharded
}

// migration returns the running copy of prefix, if any
func (r *registry) migration(prefix string) (*migrationState, bool) {
	return r.migrating.Load(prefix)
}

// prefixOf returns the prefix a shard column family belongs to
func (r *registry) prefixOf(id uint32) (string, bool) {
	return r.prefixes.Load(id)
}

func (r *registry) definition() *shard.Definition {
	return r.def.Load()
}

func (r *registry) currentEpoch() uint64 {
	return r.epoch.Load()
}

// sharded returns the set of prefixes with an entry in the definition
func (r *registry) sharded() map[string]struct{} {
	out := make(map[string]struct{})
	r.records.Range(func(prefix string, _ *shardRecord) bool {
		out[prefix] = struct{}{}
		return true
	})
	return out
}

// columnFamilies returns every authoritative column family, the default one first
// and the shards ordered by prefix and index.
func (r *registry) columnFamilies() []engine.ColumnFamily {
	var prefixes []string
	r.records.Range(func(prefix string, _ *shardRecord) bool {
		prefixes = append(prefixes, prefix)
		return true
	})
	sort.Strings(prefixes)

	out := []engine.ColumnFamily{r.defaultCF}
	for _, p := range prefixes {
		if rec, ok := r.records.Load(p); ok {
			out = append(out, rec.handles...)
		}
	}
	return out
}

// migratingPrefixes returns the sorted prefixes currently receiving dual writes
func (r *registry) migratingPrefixes() []string {
	var out []string
	r.migrating.Range(func(prefix string, _ *migrationState) bool {
		out = append(out, prefix)
		return true
	})
	sort.Strings(out)
	return out
}

// --------------------------------------------------------------------------
// Mutations (write gate held exclusively)
// --------------------------------------------------------------------------

func (r *registry) install(rec *shardRecord) {
	if old, ok := r.records.Load(rec.entry.Prefix); ok {
		for _, h := range old.handles {
			r.prefixes.Delete(h.ID())
		}
	}
	r.records.Store(rec.entry.Prefix, rec)
	for _, h := range rec.handles {
		r.prefixes.Store(h.ID(), rec.entry.Prefix)
	}
}

func (r *registry) remove(prefix string) {
	if old, ok := r.records.LoadAndDelete(prefix); ok {
		for _, h := range old.handles {
			r.prefixes.Delete(h.ID())
		}
	}
}

func (r *registry) beginMigration(prefix string, m *migrationState) {
	r.migrating.Store(prefix, m)
}

func (r *registry) endMigrations() {
	r.migrating.Clear()
}

func (r *registry) setDefinition(def *shard.Definition) {
	r.def.Store(def)
}

// beginCutover makes the epoch odd. It must be called before anything of the new
// layout is persisted.
func (r *registry) beginCutover() {
	r.epoch.Add(1)
}

// endCutover makes the epoch even again
func (r *registry) endCutover() {
	r.epoch.Add(1)
}
