package cabin

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/cabinkv/lib/common"
	"github.com/ValentinKolb/cabinkv/lib/compaction"
	"github.com/ValentinKolb/cabinkv/lib/engine"
	"github.com/ValentinKolb/cabinkv/lib/engine/engines/pebbledb"
	"github.com/ValentinKolb/cabinkv/lib/shard"
	"github.com/ValentinKolb/cabinkv/lib/store"
	"github.com/ValentinKolb/cabinkv/lib/util"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
)

var Logger = common.GetLogger("store")

// definitionKey is the metadata key of the persisted sharding definition
var definitionKey = []byte("sharding/definition")

// maxResolveAttempts bounds how often a read re-resolves its column families
// when a reshard cutover dropped them underneath it
const maxResolveAttempts = 8

var ErrStoreExists = errors.New("cabin: store already exists")

// --------------------------------------------------------------------------
// Core store structure
// --------------------------------------------------------------------------

type cabinStore struct {
	eng    engine.Engine
	opts   *Options
	merges *mergeRouter
	keys   util.Comparer // order of physical keys
	reg    *registry

	// gate orders submissions against layout changes: transactions hold it
	// shared, the resharder holds it exclusively while a chunk is copied and
	// during cutover.
	gate sync.RWMutex

	compactor  *compaction.Coordinator
	resharding atomic.Bool
	closed     atomic.Bool

	transactions *metrics.Counter
	txErrors     *metrics.Counter
	reshardKeys  *metrics.Counter
	reshardBytes *metrics.Counter
	reshards     *metrics.Counter
}

// Open opens the store in dir, creating it with opts.ShardingDef if it does not exist.
//
// Thread-safety: This function is not thread-safe and should only be called once per dir.
func Open(dir string, opts *Options) (store.KeyValueDB, error) {
	s, err := open(dir, opts, false)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create creates a new store in dir. It fails with ErrStoreExists if dir already
// holds a store.
func Create(dir string, opts *Options) (store.KeyValueDB, error) {
	s, err := open(dir, opts, true)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func open(dir string, opts *Options, mustCreate bool) (*cabinStore, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts = opts.withDefaults()

	merges := newMergeRouter(opts.MergeOperators)
	keys := shard.NewKeyOrder(opts.Comparer)
	eng, err := pebbledb.Open(dir, &pebbledb.Options{
		FS:            opts.FS,
		MergeOperator: merges,
		Comparer:      keys,
		CacheSize:     opts.CacheSize,
	})
	if err != nil {
		return nil, err
	}

	s := &cabinStore{
		eng:          eng,
		opts:         opts,
		merges:       merges,
		keys:         keys,
		transactions: opts.Metrics.NewCounter("cabinkv_transactions_total"),
		txErrors:     opts.Metrics.NewCounter("cabinkv_transaction_errors_total"),
		reshardKeys:  opts.Metrics.NewCounter("cabinkv_reshard_keys_total"),
		reshardBytes: opts.Metrics.NewCounter("cabinkv_reshard_bytes_total"),
		reshards:     opts.Metrics.NewCounter("cabinkv_reshards_total"),
	}
	if err := s.load(mustCreate); err != nil {
		_ = eng.Close()
		return nil, err
	}
	s.compactor = compaction.NewCoordinator(s.compactRange, keys, opts.Metrics)

	Logger.Infof("opened store at %q: %s", dir, s.reg.definition())
	return s, nil
}

// load reads (or creates) the persisted definition, removes what an interrupted
// reshard left behind and builds the registry.
func (s *cabinStore) load(mustCreate bool) error {
	raw, found, err := s.eng.GetMeta(definitionKey)
	if err != nil {
		return errors.Wrap(err, "read sharding definition")
	}
	if found && mustCreate {
		return ErrStoreExists
	}

	var def *shard.Definition
	if found {
		if def, err = shard.DecodeDefinition(raw); err != nil {
			return err
		}
		if s.opts.ShardingDef != "" && !sameDefinition(s.opts.ShardingDef, def) {
			Logger.Warningf("ignoring configured sharding definition %q, the store uses %q",
				s.opts.ShardingDef, def)
		}
	} else {
		if def, err = shard.ParseDefinition(s.opts.ShardingDef); err != nil {
			return err
		}
		if err := def.Validate(); err != nil {
			return err
		}
	}

	if err := s.dropOrphans(def); err != nil {
		return err
	}

	s.reg = newRegistry(s.eng.DefaultColumnFamily(), def)
	for i := range def.Entries {
		rec, err := s.columnFamiliesOf(&def.Entries[i], !found)
		if err != nil {
			return err
		}
		s.reg.install(rec)
	}

	if !found {
		encoded, err := def.Encode()
		if err != nil {
			return err
		}
		if err := s.eng.PutMeta(definitionKey, encoded); err != nil {
			return errors.Wrap(err, "persist sharding definition")
		}
		return nil
	}
	return s.cleanDefaultColumnFamily(def)
}

// sameDefinition reports whether text describes the layouts of def
func sameDefinition(text string, def *shard.Definition) bool {
	parsed, err := shard.ParseDefinition(text)
	if err != nil || len(parsed.Entries) != len(def.Entries) {
		return false
	}
	for i := range parsed.Entries {
		e, ok := def.Lookup(parsed.Entries[i].Prefix)
		if !ok || !e.SameLayout(&parsed.Entries[i]) {
			return false
		}
	}
	return true
}

// columnFamiliesOf looks up (or creates) the column families of entry
func (s *cabinStore) columnFamiliesOf(entry *shard.Entry, create bool) (*shardRecord, error) {
	rec := &shardRecord{entry: *entry, handles: make([]engine.ColumnFamily, entry.ShardCount)}
	for i, name := range entry.ColumnFamilyNames() {
		cf, ok := s.eng.ColumnFamily(name)
		switch {
		case ok:
		case create:
			var err error
			if cf, err = s.eng.CreateColumnFamily(name, entry.Options); err != nil {
				return nil, err
			}
		default:
			return nil, errors.Wrapf(store.ErrCorruption, "column family %q of prefix %q is missing", name, entry.Prefix)
		}
		rec.handles[i] = cf
	}
	return rec, nil
}

// dropOrphans drops every column family not referenced by def, these are left
// behind by reshards that did not reach cutover.
func (s *cabinStore) dropOrphans(def *shard.Definition) error {
	referenced := make(map[string]struct{})
	for i := range def.Entries {
		for _, name := range def.Entries[i].ColumnFamilyNames() {
			referenced[name] = struct{}{}
		}
	}
	for _, cf := range s.eng.ColumnFamilies() {
		if cf.Name() == engine.DefaultColumnFamilyName {
			continue
		}
		if _, ok := referenced[cf.Name()]; ok {
			continue
		}
		Logger.Infof("dropping orphaned column family %q", cf.Name())
		if err := s.eng.DropColumnFamily(cf); err != nil {
			return errors.Wrapf(err, "drop orphaned column family %q", cf.Name())
		}
	}
	return nil
}

// cleanDefaultColumnFamily removes keys of sharded prefixes from the default
// column family. They remain when a reshard moving a prefix back to the default
// column family was interrupted.
func (s *cabinStore) cleanDefaultColumnFamily(def *shard.Definition) error {
	cf := s.eng.DefaultColumnFamily()
	for i := range def.Entries {
		lower, upper := shard.PrefixRange(def.Entries[i].Prefix)
		it, err := s.eng.NewIterator(cf, &engine.IterOptions{LowerBound: lower, UpperBound: upper})
		if err != nil {
			return err
		}
		stale := it.First()
		if err := it.Close(); err != nil {
			return err
		}
		if !stale {
			continue
		}
		Logger.Infof("removing stale keys of prefix %q from the default column family", def.Entries[i].Prefix)
		b := s.eng.NewBatch()
		if err := b.DeleteRange(cf, lower, upper); err != nil {
			_ = b.Close()
			return err
		}
		if err := s.eng.Write(b, true); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

func validatePrefix(prefix string) error {
	if prefix == "" {
		return errors.Wrap(store.ErrInvalidPrefix, "empty prefix")
	}
	if strings.IndexByte(prefix, shard.Separator) >= 0 {
		return errors.Wrapf(store.ErrInvalidPrefix, "prefix %q contains NUL", prefix)
	}
	return nil
}

func (s *cabinStore) checkOpen() error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *cabinStore) Get(prefix string, key []byte) ([]byte, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	if err := validatePrefix(prefix); err != nil {
		return nil, false, err
	}
	physical := shard.CombineStrings(prefix, key)
	for attempt := 0; ; attempt++ {
		epoch := s.readEpoch()
		value, found, err := s.eng.Get(s.reg.cfHandle(prefix, key), physical)
		if attempt < maxResolveAttempts &&
			(s.reg.currentEpoch() != epoch || errors.Is(err, engine.ErrColumnFamilyDropped)) {
			// a cutover swapped the layout, resolve again
			continue
		}
		return value, found, err
	}
}

// readEpoch returns the registry epoch, waiting for a running cutover to finish.
func (s *cabinStore) readEpoch() uint64 {
	for {
		epoch := s.reg.currentEpoch()
		if epoch%2 == 0 {
			return epoch
		}
		// the cutover holds the gate exclusively
		s.gate.RLock()
		s.gate.RUnlock()
	}
}

func (s *cabinStore) ShardingDefinition() *shard.Definition {
	return s.reg.definition().Clone()
}

func (s *cabinStore) GetInfo() (store.Info, error) {
	if err := s.checkOpen(); err != nil {
		return store.Info{}, err
	}
	def := s.reg.definition()
	info := store.Info{
		Definition:  def.String(),
		HashVersion: def.HashVersion,
		Migrating:   s.reg.migratingPrefixes(),
		Compaction:  s.compactor.Stats(),
		Engine:      s.eng.Info(),
	}

	for i := range def.Entries {
		rec := s.reg.route(def.Entries[i].Prefix)
		lower, upper := shard.PrefixRange(rec.entry.Prefix)
		pi := store.PrefixInfo{
			Prefix: rec.entry.Prefix,
			Layout: rec.entry.String(),
			Keys:   make([]uint64, len(rec.handles)),
		}
		for j, h := range rec.handles {
			pi.ColumnFamilies = append(pi.ColumnFamilies, h.Name())
			n, err := s.countKeys(h, lower, upper)
			if err != nil {
				return info, err
			}
			pi.Keys[j] = n
		}
		pi.Distribution = util.NewDistribution(pi.Keys)
		info.Prefixes = append(info.Prefixes, pi)
	}

	n, err := s.countKeys(s.eng.DefaultColumnFamily(), nil, nil)
	if err != nil {
		return info, err
	}
	info.DefaultKeys = n
	return info, nil
}

func (s *cabinStore) countKeys(cf engine.ColumnFamily, lower, upper []byte) (uint64, error) {
	it, err := s.eng.NewIterator(cf, &engine.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	var n uint64
	for valid := it.First(); valid; valid = it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		_ = it.Close()
		return 0, err
	}
	return n, it.Close()
}

// Close stops the compaction coordinator and closes the engine. Transactions in
// flight are waited for.
func (s *cabinStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return store.ErrClosed
	}
	s.compactor.Close()

	s.gate.Lock()
	defer s.gate.Unlock()
	return s.eng.Close()
}

var _ store.KeyValueDB = (*cabinStore)(nil)
