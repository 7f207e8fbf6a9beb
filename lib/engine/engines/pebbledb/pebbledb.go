package pebbledb

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/cabinkv/lib/common"
	"github.com/ValentinKolb/cabinkv/lib/engine"
	"github.com/ValentinKolb/cabinkv/lib/util"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var Logger = common.GetLogger("engine")

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

// Layout of the engine keyspace. Every key starts with the big endian id of the
// column family it belongs to. Id 0 is the system keyspace.
const (
	cfPrefixLen = 4
	systemCFID  = uint32(0)
	defaultCFID = uint32(1)
	mergerName  = "cabinkv.merge_router"
)

var (
	catalogTag   = []byte("cf/")
	catalogEnd   = []byte("cf0") // '0' is the byte after '/'
	nextIDTag    = []byte("next_id")
	metaTag      = []byte("meta/")
	compactLimit = []byte{0xff, 0xff, 0xff, 0xff, 0xff}
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the pebble engine
type Options struct {
	FS            vfs.FS               // File system (nil = OS file system)
	MergeOperator engine.MergeOperator // Operator for Merge (nil = concatenation)
	Comparer      util.Comparer        // Order of the keys of a column family (nil = bytewise)
	CacheSize     int64                // Block cache size in bytes (0 = pebble default)
}

// DefaultOptions returns the default engine options
func DefaultOptions() *Options {
	return &Options{
		FS:        vfs.Default,
		CacheSize: 64 << 20,
	}
}

// --------------------------------------------------------------------------
// Column Family Handle
// --------------------------------------------------------------------------

type columnFamily struct {
	id      uint32
	name    string
	options map[string]string
	prefix  []byte
	upper   []byte
	dropped atomic.Bool
}

func newColumnFamily(id uint32, name string, options map[string]string) *columnFamily {
	return &columnFamily{
		id:      id,
		name:    name,
		options: options,
		prefix:  cfPrefix(id),
		upper:   cfPrefix(id + 1),
	}
}

func (cf *columnFamily) ID() uint32   { return cf.id }
func (cf *columnFamily) Name() string { return cf.name }

func (cf *columnFamily) key(k []byte) []byte {
	out := make([]byte, 0, cfPrefixLen+len(k))
	out = append(out, cf.prefix...)
	return append(out, k...)
}

type catalogEntry struct {
	ID      uint32            `json:"id"`
	Options map[string]string `json:"options,omitempty"`
}

// --------------------------------------------------------------------------
// Core engine structure
// --------------------------------------------------------------------------

// pebbleImpl implements engine.Engine on top of a single pebble database.
// Column families are emulated by prefixing every key with the family id.
type pebbleImpl struct {
	db     *pebble.DB
	cmp    *pebble.Comparer
	closed atomic.Bool

	mu        sync.RWMutex // guards the maps and nextID
	byID      map[uint32]*columnFamily
	byName    map[string]*columnFamily
	nextID    uint32
	defaultCF *columnFamily
}

// Open opens (or creates) a pebble backed engine in dir.
//
// Thread-safety: This function is not thread-safe and should only be called once per dir.
func Open(dir string, opts *Options) (engine.Engine, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	pOpts := &pebble.Options{
		Comparer: newComparer(opts.Comparer),
		Merger:   newMerger(opts.MergeOperator),
		Logger:   pebbleLogger{Logger},
	}
	if opts.FS != nil {
		pOpts.FS = opts.FS
	}
	if opts.CacheSize > 0 {
		cache := pebble.NewCache(opts.CacheSize)
		defer cache.Unref()
		pOpts.Cache = cache
	}

	db, err := pebble.Open(dir, pOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble at %q", dir)
	}

	p := &pebbleImpl{
		db:     db,
		cmp:    pOpts.Comparer,
		byID:   make(map[uint32]*columnFamily),
		byName: make(map[string]*columnFamily),
		nextID: defaultCFID + 1,
	}
	if err := p.loadCatalog(); err != nil {
		_ = db.Close()
		return nil, err
	}

	Logger.Infof("opened pebble engine at %q with %d column families", dir, len(p.byID))
	return p, nil
}

// loadCatalog reads the column family catalog from the system keyspace and
// creates the default column family on first open.
func (p *pebbleImpl) loadCatalog() error {
	sys := cfPrefix(systemCFID)
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: append(append([]byte{}, sys...), catalogTag...),
		UpperBound: append(append([]byte{}, sys...), catalogEnd...),
	})
	if err != nil {
		return errors.Wrap(err, "read column family catalog")
	}
	for valid := it.First(); valid; valid = it.Next() {
		name := string(it.Key()[cfPrefixLen+len(catalogTag):])
		var entry catalogEntry
		if err := json.Unmarshal(it.Value(), &entry); err != nil {
			_ = it.Close()
			return errors.Wrapf(err, "decode catalog entry for %q", name)
		}
		cf := newColumnFamily(entry.ID, name, entry.Options)
		p.byID[cf.id] = cf
		p.byName[cf.name] = cf
	}
	if err := it.Close(); err != nil {
		return errors.Wrap(err, "read column family catalog")
	}

	value, closer, err := p.db.Get(systemKey(nextIDTag))
	switch {
	case err == nil:
		p.nextID = binary.BigEndian.Uint32(value)
		_ = closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		return errors.Wrap(err, "read column family id counter")
	}

	if cf, ok := p.byName[engine.DefaultColumnFamilyName]; ok {
		p.defaultCF = cf
		return nil
	}

	// first open: register the default column family
	cf := newColumnFamily(defaultCFID, engine.DefaultColumnFamilyName, nil)
	if err := p.writeCatalog(cf); err != nil {
		return err
	}
	p.byID[cf.id] = cf
	p.byName[cf.name] = cf
	p.defaultCF = cf
	return nil
}

// writeCatalog persists the catalog entry of cf together with the id counter.
func (p *pebbleImpl) writeCatalog(cf *columnFamily) error {
	raw, err := json.Marshal(catalogEntry{ID: cf.id, Options: cf.options})
	if err != nil {
		return errors.Wrap(err, "encode catalog entry")
	}
	next := make([]byte, 4)
	binary.BigEndian.PutUint32(next, p.nextID)

	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(catalogKey(cf.name), raw, nil); err != nil {
		return errors.WithStack(err)
	}
	if err := b.Set(systemKey(nextIDTag), next, nil); err != nil {
		return errors.WithStack(err)
	}
	return errors.Wrapf(b.Commit(pebble.Sync), "persist column family %q", cf.name)
}

// --------------------------------------------------------------------------
// Key Helper Functions
// --------------------------------------------------------------------------

func cfPrefix(id uint32) []byte {
	b := make([]byte, cfPrefixLen)
	binary.BigEndian.PutUint32(b, id)
	return b
}

func systemKey(tag []byte) []byte {
	return append(cfPrefix(systemCFID), tag...)
}

func catalogKey(name string) []byte {
	return append(systemKey(catalogTag), name...)
}

func metaKey(key []byte) []byte {
	return append(systemKey(metaTag), key...)
}

func writeOptions(sync bool) *pebble.WriteOptions {
	if sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

// resolve checks that cf is a live handle of this engine.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (p *pebbleImpl) resolve(cf engine.ColumnFamily) (*columnFamily, error) {
	if p.closed.Load() {
		return nil, engine.ErrClosed
	}
	h, ok := cf.(*columnFamily)
	if !ok || h == nil {
		return nil, errors.Wrapf(engine.ErrColumnFamilyNotFound, "foreign handle %v", cf)
	}
	if h.dropped.Load() {
		return nil, errors.Wrapf(engine.ErrColumnFamilyDropped, "column family %q", h.name)
	}
	return h, nil
}

// --------------------------------------------------------------------------
// Column Family Operations
// --------------------------------------------------------------------------

func (p *pebbleImpl) CreateColumnFamily(name string, options map[string]string) (engine.ColumnFamily, error) {
	if p.closed.Load() {
		return nil, engine.ErrClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byName[name]; ok {
		return nil, errors.Wrapf(engine.ErrColumnFamilyExists, "column family %q", name)
	}

	cf := newColumnFamily(p.nextID, name, options)
	p.nextID++
	if err := p.writeCatalog(cf); err != nil {
		p.nextID--
		return nil, err
	}
	p.byID[cf.id] = cf
	p.byName[cf.name] = cf

	Logger.Debugf("created column family %q (id %d)", name, cf.id)
	return cf, nil
}

func (p *pebbleImpl) DropColumnFamily(cf engine.ColumnFamily) error {
	h, err := p.resolve(cf)
	if err != nil {
		return err
	}
	if h.id == defaultCFID {
		return errors.Newf("engine: the %s column family cannot be dropped", engine.DefaultColumnFamilyName)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(h.prefix, h.upper, nil); err != nil {
		return errors.WithStack(err)
	}
	if err := b.Delete(catalogKey(h.name), nil); err != nil {
		return errors.WithStack(err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.Wrapf(err, "drop column family %q", h.name)
	}

	h.dropped.Store(true)
	delete(p.byID, h.id)
	delete(p.byName, h.name)

	Logger.Debugf("dropped column family %q (id %d)", h.name, h.id)
	return nil
}

func (p *pebbleImpl) ColumnFamily(name string) (engine.ColumnFamily, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cf, ok := p.byName[name]
	if !ok {
		return nil, false
	}
	return cf, true
}

func (p *pebbleImpl) ColumnFamilies() []engine.ColumnFamily {
	p.mu.RLock()
	out := make([]engine.ColumnFamily, 0, len(p.byID))
	for _, cf := range p.byID {
		out = append(out, cf)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (p *pebbleImpl) DefaultColumnFamily() engine.ColumnFamily {
	return p.defaultCF
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (p *pebbleImpl) Put(cf engine.ColumnFamily, key, value []byte, sync bool) error {
	h, err := p.resolve(cf)
	if err != nil {
		return err
	}
	return errors.WithStack(p.db.Set(h.key(key), value, writeOptions(sync)))
}

func (p *pebbleImpl) Delete(cf engine.ColumnFamily, key []byte, sync bool) error {
	h, err := p.resolve(cf)
	if err != nil {
		return err
	}
	return errors.WithStack(p.db.Delete(h.key(key), writeOptions(sync)))
}

func (p *pebbleImpl) Merge(cf engine.ColumnFamily, key, value []byte, sync bool) error {
	h, err := p.resolve(cf)
	if err != nil {
		return err
	}
	return errors.WithStack(p.db.Merge(h.key(key), value, writeOptions(sync)))
}

func (p *pebbleImpl) NewBatch() engine.Batch {
	return &batch{engine: p, b: p.db.NewBatch()}
}

func (p *pebbleImpl) Write(b engine.Batch, sync bool) error {
	if p.closed.Load() {
		return engine.ErrClosed
	}
	pb, ok := b.(*batch)
	if !ok || pb.engine != p {
		return errors.New("engine: batch does not belong to this engine")
	}
	if pb.consumed {
		return errors.New("engine: batch already written")
	}
	pb.consumed = true
	defer pb.b.Close()
	return errors.WithStack(pb.b.Commit(writeOptions(sync)))
}

// --------------------------------------------------------------------------
// Read Operations
// --------------------------------------------------------------------------

// pebbleReader is satisfied by *pebble.DB and *pebble.Snapshot
type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func (p *pebbleImpl) Get(cf engine.ColumnFamily, key []byte) ([]byte, bool, error) {
	return p.get(p.db, cf, key)
}

func (p *pebbleImpl) NewIterator(cf engine.ColumnFamily, opts *engine.IterOptions) (engine.Iterator, error) {
	return p.newIterator(p.db, cf, opts)
}

func (p *pebbleImpl) get(r pebbleReader, cf engine.ColumnFamily, key []byte) ([]byte, bool, error) {
	h, err := p.resolve(cf)
	if err != nil {
		return nil, false, err
	}
	value, closer, err := r.Get(h.key(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, closer.Close()
}

func (p *pebbleImpl) newIterator(r pebbleReader, cf engine.ColumnFamily, opts *engine.IterOptions) (engine.Iterator, error) {
	h, err := p.resolve(cf)
	if err != nil {
		return nil, err
	}

	lower, upper := h.prefix, h.upper
	if opts != nil && opts.LowerBound != nil {
		lower = h.key(opts.LowerBound)
	}
	if opts != nil && opts.UpperBound != nil {
		upper = h.key(opts.UpperBound)
	}
	if p.cmp.Compare(lower, upper) > 0 {
		return nil, errors.Wrapf(engine.ErrInvalidRange, "lower bound %q above upper bound %q", lower, upper)
	}

	it, err := r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &iterator{it: it, cf: h}, nil
}

func (p *pebbleImpl) NewSnapshot() (engine.Snapshot, error) {
	if p.closed.Load() {
		return nil, engine.ErrClosed
	}
	return &snapshot{engine: p, snap: p.db.NewSnapshot()}, nil
}

// --------------------------------------------------------------------------
// Maintenance
// --------------------------------------------------------------------------

func (p *pebbleImpl) CompactRange(cf engine.ColumnFamily, start, end []byte) error {
	var lower, upper []byte
	if cf == nil {
		// whole engine
		lower, upper = cfPrefix(systemCFID), compactLimit
	} else {
		h, err := p.resolve(cf)
		if err != nil {
			return err
		}
		lower, upper = h.prefix, h.upper
		if start != nil {
			lower = h.key(start)
		}
		if end != nil {
			upper = h.key(end)
		}
	}
	if p.cmp.Compare(lower, upper) >= 0 {
		return nil
	}
	return errors.Wrap(p.db.Compact(lower, upper, false), "compact range")
}

// --------------------------------------------------------------------------
// Metadata
// --------------------------------------------------------------------------

func (p *pebbleImpl) GetMeta(key []byte) ([]byte, bool, error) {
	if p.closed.Load() {
		return nil, false, engine.ErrClosed
	}
	value, closer, err := p.db.Get(metaKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WithStack(err)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, closer.Close()
}

func (p *pebbleImpl) PutMeta(key, value []byte) error {
	if p.closed.Load() {
		return engine.ErrClosed
	}
	return errors.WithStack(p.db.Set(metaKey(key), value, pebble.Sync))
}

func (p *pebbleImpl) DeleteMeta(key []byte) error {
	if p.closed.Load() {
		return engine.ErrClosed
	}
	return errors.WithStack(p.db.Delete(metaKey(key), pebble.Sync))
}

// --------------------------------------------------------------------------
// Engine Interface Implementation - Features and Metadata
// --------------------------------------------------------------------------

func (p *pebbleImpl) SupportsFeature(feature engine.Feature) bool {
	supportedFeatures := engine.FeatureMerge |
		engine.FeatureSingleDelete |
		engine.FeatureDeleteRange |
		engine.FeatureSnapshots |
		engine.FeatureCompactRange
	return supportedFeatures&feature == feature
}

func (p *pebbleImpl) Info() engine.EngineInfo {
	p.mu.RLock()
	cfs := make([]engine.ColumnFamilyInfo, 0, len(p.byID))
	for _, cf := range p.byID {
		cfs = append(cfs, engine.ColumnFamilyInfo{ID: cf.id, Name: cf.name, Options: cf.options})
	}
	p.mu.RUnlock()
	sort.Slice(cfs, func(i, j int) bool { return cfs[i].ID < cfs[j].ID })

	info := engine.EngineInfo{
		Impl: engine.ImplPebble,
		SupportedFeatures: []engine.Feature{
			engine.FeatureMerge, engine.FeatureSingleDelete, engine.FeatureDeleteRange,
			engine.FeatureSnapshots, engine.FeatureCompactRange,
		},
		ColumnFamilies: cfs,
	}
	if !p.closed.Load() {
		m := p.db.Metrics()
		info.DiskSpaceUsage = m.DiskSpaceUsage()
		info.Metadata = &struct {
			ReadAmp       int    `json:"read_amp"`
			EstimatedDebt uint64 `json:"compaction_estimated_debt"`
		}{
			ReadAmp:       m.ReadAmp(),
			EstimatedDebt: m.Compact.EstimatedDebt,
		}
	}
	return info
}

// Close closes the underlying pebble database
func (p *pebbleImpl) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return engine.ErrClosed
	}
	return errors.Wrap(p.db.Close(), "close pebble")
}
