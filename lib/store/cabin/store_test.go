package cabin

import (
	"fmt"
	"strings"
	"testing"

	"github.com/ValentinKolb/cabinkv/lib/engine"
	"github.com/ValentinKolb/cabinkv/lib/engine/engines/pebbledb"
	"github.com/ValentinKolb/cabinkv/lib/shard"
	"github.com/ValentinKolb/cabinkv/lib/store"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

const testDir = "db"

func testOptions(fs vfs.FS, def string) *Options {
	opts := DefaultOptions()
	opts.FS = fs
	opts.ShardingDef = def
	opts.CacheSize = 0
	opts.MergeOperators = map[string]engine.MergeOperator{
		"counters": Uint64AddOperator{},
		"log":      ConcatOperator{},
	}
	return opts
}

// openStore opens a store on fs and closes it when the test ends
func openStore(t *testing.T, fs vfs.FS, def string) *cabinStore {
	t.Helper()
	return openWith(t, testOptions(fs, def))
}

func openWith(t *testing.T, opts *Options) *cabinStore {
	t.Helper()
	db, err := Open(testDir, opts)
	require.NoError(t, err)
	s := db.(*cabinStore)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func key(i int) []byte {
	return []byte(fmt.Sprintf("key%05d", i))
}

func value(i int) []byte {
	return []byte(fmt.Sprintf("value-%d", i))
}

// fill writes n keys to prefix in transactions of 500 operations
func fill(t *testing.T, db store.KeyValueDB, prefix string, n int) {
	t.Helper()
	tx := db.GetTransaction()
	for i := 0; i < n; i++ {
		require.NoError(t, tx.Set(prefix, key(i), value(i)))
		if tx.Count() == 500 {
			require.NoError(t, db.SubmitTransaction(tx))
			tx = db.GetTransaction()
		}
	}
	require.NoError(t, db.SubmitTransactionSync(tx))
}

// requireKeys checks that prefix holds exactly keys 0..n-1
func requireKeys(t *testing.T, db store.KeyValueDB, prefix string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		v, found, err := db.Get(prefix, key(i))
		require.NoError(t, err)
		require.True(t, found, "key %s of %q is missing", key(i), prefix)
		require.Equal(t, value(i), v)
	}
	require.Len(t, scan(t, db, prefix), n)
}

// scan returns the keys of prefix in iteration order
func scan(t *testing.T, db store.KeyValueDB, prefix string) []string {
	t.Helper()
	it, err := db.GetIterator(prefix)
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for valid := it.SeekToFirst(); valid; valid = it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Status())
	return keys
}

func submit(t *testing.T, db store.KeyValueDB, build func(tx store.Transaction)) {
	t.Helper()
	tx := db.GetTransaction()
	build(tx)
	require.NoError(t, db.SubmitTransaction(tx))
}

// --------------------------------------------------------------------------
// Basic Operations
// --------------------------------------------------------------------------

func TestBasicOperations(t *testing.T) {
	s := openStore(t, vfs.NewMem(), "objects(4)[0-4]")

	submit(t, s, func(tx store.Transaction) {
		require.NoError(t, tx.Set("objects", []byte("obj1"), []byte("a")))
		require.NoError(t, tx.Set("objects", []byte("obj2"), []byte("b")))
		require.NoError(t, tx.Set("users", []byte("u1"), []byte("c")))
		require.NoError(t, tx.Set("users", []byte("empty"), nil))
		require.Equal(t, 4, tx.Count())
	})

	tests := []struct {
		prefix string
		key    string
		value  string
		found  bool
	}{
		{"objects", "obj1", "a", true},
		{"objects", "obj2", "b", true},
		{"users", "u1", "c", true},
		{"users", "empty", "", true},
		{"users", "obj1", "", false},
		{"objects", "u1", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.prefix+"/"+tt.key, func(t *testing.T) {
			v, found, err := s.Get(tt.prefix, []byte(tt.key))
			require.NoError(t, err)
			require.Equal(t, tt.found, found)
			if found {
				assert.Equal(t, tt.value, string(v))
			}
		})
	}

	submit(t, s, func(tx store.Transaction) {
		require.NoError(t, tx.RmKey("objects", []byte("obj1")))
		require.NoError(t, tx.RmSingleKey("users", []byte("u1")))
	})
	_, found, err := s.Get("objects", []byte("obj1"))
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.Get("users", []byte("u1"))
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.Get("objects", []byte("obj2"))
	require.NoError(t, err)
	assert.True(t, found)
}

func TestKeysAreStoredInTheirShard(t *testing.T) {
	s := openStore(t, vfs.NewMem(), "objects(4)[0-4]")

	// "obj0" .. "obj9" hash to these shards
	golden := []int{3, 3, 1, 2, 0, 0, 3, 2, 3, 1}
	for i, want := range golden {
		k := []byte(fmt.Sprintf("obj%d", i))
		cf := s.reg.cfHandle("objects", k)
		assert.Equal(t, fmt.Sprintf("objects-g0-%d", want), cf.Name())
		assert.Equal(t, cf, s.reg.cfHandle("objects", k))

		submit(t, s, func(tx store.Transaction) {
			require.NoError(t, tx.Set("objects", k, []byte("v")))
		})
		_, found, err := s.eng.Get(cf, shard.CombineStrings("objects", k))
		require.NoError(t, err)
		assert.True(t, found, "key %s not in %s", k, cf.Name())
	}

	// unsharded prefixes use the default column family
	assert.Equal(t, s.eng.DefaultColumnFamily(), s.reg.cfHandle("other", []byte("obj0")))
}

func TestRmKeysByPrefixAcrossShards(t *testing.T) {
	s := openStore(t, vfs.NewMem(), "objects(4)[0-4] objects2(2)")
	fill(t, s, "objects", 200)
	fill(t, s, "objects2", 50)
	fill(t, s, "object", 50)

	submit(t, s, func(tx store.Transaction) {
		require.NoError(t, tx.RmKeysByPrefix("objects"))
	})

	assert.Empty(t, scan(t, s, "objects"))
	for i := 0; i < 200; i++ {
		_, found, err := s.Get("objects", key(i))
		require.NoError(t, err)
		require.False(t, found)
	}
	// neighbouring prefixes are untouched
	requireKeys(t, s, "objects2", 50)
	requireKeys(t, s, "object", 50)
}

func TestRmRangeKeys(t *testing.T) {
	s := openStore(t, vfs.NewMem(), "objects(4)[0-4]")
	fill(t, s, "objects", 20)
	fill(t, s, "plain", 20)

	submit(t, s, func(tx store.Transaction) {
		require.NoError(t, tx.RmRangeKeys("objects", key(5), key(10)))
		require.NoError(t, tx.RmRangeKeys("plain", key(15), nil))
	})

	objects := scan(t, s, "objects")
	assert.Len(t, objects, 15)
	assert.NotContains(t, objects, string(key(5)))
	assert.NotContains(t, objects, string(key(9)))
	assert.Contains(t, objects, string(key(10)))
	assert.Contains(t, objects, string(key(4)))

	plain := scan(t, s, "plain")
	assert.Len(t, plain, 15)
	assert.Equal(t, string(key(14)), plain[len(plain)-1])

	tx := s.GetTransaction()
	err := tx.RmRangeKeys("objects", []byte("b"), []byte("a"))
	assert.True(t, errors.Is(err, engine.ErrInvalidRange))
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

func TestTransactionIsConsumed(t *testing.T) {
	s := openStore(t, vfs.NewMem(), "")

	tx := s.GetTransaction()
	require.NoError(t, tx.Set("a", []byte("k"), []byte("v")))
	require.NoError(t, s.SubmitTransaction(tx))

	assert.ErrorIs(t, s.SubmitTransaction(tx), store.ErrTransactionConsumed)
	assert.ErrorIs(t, s.SubmitTransactionSync(tx), store.ErrTransactionConsumed)
	assert.ErrorIs(t, tx.Set("a", []byte("k2"), []byte("v")), store.ErrTransactionConsumed)

	// the second Set was not applied
	_, found, err := s.Get("a", []byte("k2"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestForeignTransaction(t *testing.T) {
	a := openWith(t, testOptions(vfs.NewMem(), ""))
	b := openWith(t, testOptions(vfs.NewMem(), ""))

	tx := a.GetTransaction()
	require.NoError(t, tx.Set("p", []byte("k"), []byte("v")))
	assert.ErrorIs(t, b.SubmitTransaction(tx), store.ErrForeignTransaction)

	// rejected transactions are not consumed
	require.NoError(t, a.SubmitTransaction(tx))
}

func TestInvalidPrefix(t *testing.T) {
	s := openStore(t, vfs.NewMem(), "")

	for _, prefix := range []string{"", "a\x00b"} {
		tx := s.GetTransaction()
		assert.ErrorIs(t, tx.Set(prefix, []byte("k"), []byte("v")), store.ErrInvalidPrefix)
		assert.ErrorIs(t, tx.RmKey(prefix, []byte("k")), store.ErrInvalidPrefix)
		assert.ErrorIs(t, tx.RmKeysByPrefix(prefix), store.ErrInvalidPrefix)
		assert.Equal(t, 0, tx.Count())

		_, _, err := s.Get(prefix, []byte("k"))
		assert.ErrorIs(t, err, store.ErrInvalidPrefix)
		_, err = s.GetIterator(prefix)
		assert.ErrorIs(t, err, store.ErrInvalidPrefix)
	}
}

func TestEmptyTransaction(t *testing.T) {
	s := openStore(t, vfs.NewMem(), "")
	require.NoError(t, s.SubmitTransactionSync(s.GetTransaction()))
}

// --------------------------------------------------------------------------
// Merge Operators
// --------------------------------------------------------------------------

func TestMergeOperators(t *testing.T) {
	s := openStore(t, vfs.NewMem(), "counters(4)")

	for round := 1; round <= 3; round++ {
		submit(t, s, func(tx store.Transaction) {
			for i := 0; i < 10; i++ {
				require.NoError(t, tx.Merge("counters", key(i), EncodeUint64(uint64(i))))
			}
			require.NoError(t, tx.Merge("log", []byte("l"), []byte(fmt.Sprintf("%d", round))))
		})
	}

	for i := 0; i < 10; i++ {
		v, found, err := s.Get("counters", key(i))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, EncodeUint64(uint64(3*i)), v)
	}

	v, found, err := s.Get("log", []byte("l"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "123", string(v))

	// a set value is the base of later merges
	submit(t, s, func(tx store.Transaction) {
		require.NoError(t, tx.Set("counters", []byte("base"), EncodeUint64(40)))
		require.NoError(t, tx.Merge("counters", []byte("base"), EncodeUint64(2)))
	})
	v, _, err = s.Get("counters", []byte("base"))
	require.NoError(t, err)
	assert.Equal(t, EncodeUint64(42), v)
}

func TestMergeWithoutOperator(t *testing.T) {
	s := openStore(t, vfs.NewMem(), "")

	tx := s.GetTransaction()
	err := tx.Merge("plain", []byte("k"), []byte("v"))
	require.Error(t, err)

	var serr *store.Error
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, store.RetCUnsupportedOperation, serr.Code)
	assert.Equal(t, 0, tx.Count())
}

func TestBuiltinOperators(t *testing.T) {
	tests := []struct {
		name     string
		op       engine.MergeOperator
		existing []byte
		operand  []byte
		want     []byte
		wantErr  bool
	}{
		{"add to missing", Uint64AddOperator{}, nil, EncodeUint64(5), EncodeUint64(5), false},
		{"add", Uint64AddOperator{}, EncodeUint64(5), EncodeUint64(7), EncodeUint64(12), false},
		{"add wraps", Uint64AddOperator{}, EncodeUint64(^uint64(0)), EncodeUint64(2), EncodeUint64(1), false},
		{"short operand", Uint64AddOperator{}, nil, []byte{1}, nil, true},
		{"short value", Uint64AddOperator{}, []byte{1, 2}, EncodeUint64(1), nil, true},
		{"concat to missing", ConcatOperator{}, nil, []byte("a"), []byte("a"), false},
		{"concat", ConcatOperator{}, []byte("ab"), []byte("c"), []byte("abc"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op.Merge([]byte("k"), tt.existing, tt.operand)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergeRouter(t *testing.T) {
	r := newMergeRouter(map[string]engine.MergeOperator{"log": ConcatOperator{}})
	assert.True(t, r.supports("log"))
	assert.False(t, r.supports("other"))

	got, err := r.Merge(shard.CombineStrings("log", []byte("k")), []byte("a"), []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), got)

	_, err = r.Merge(shard.CombineStrings("other", []byte("k")), nil, []byte("b"))
	assert.Error(t, err)
	_, err = r.Merge([]byte("no separator"), nil, []byte("b"))
	assert.Error(t, err)
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func TestDefinitionIsPersisted(t *testing.T) {
	fs := vfs.NewMem()
	s := openStore(t, fs, "objects(4)[0-4] idx(2) block=4k")
	fill(t, s, "objects", 100)
	require.NoError(t, s.Close())

	// a different configured definition is ignored
	s = openStore(t, fs, "objects(2)")
	def := s.ShardingDefinition()
	require.Len(t, def.Entries, 2)
	assert.Equal(t, 4, def.Entries[0].ShardCount)
	assert.Equal(t, map[string]string{"block": "4k"}, def.Entries[1].Options)
	assert.Equal(t, shard.HashVersion, def.HashVersion)
	requireKeys(t, s, "objects", 100)

	// the returned definition is a copy
	def.Entries[0].ShardCount = 99
	assert.Equal(t, 4, s.ShardingDefinition().Entries[0].ShardCount)
}

func TestUnknownHashVersion(t *testing.T) {
	fs := vfs.NewMem()
	s := openStore(t, fs, "objects(4)")
	require.NoError(t, s.Close())

	eng, err := pebbledb.Open(testDir, &pebbledb.Options{FS: fs})
	require.NoError(t, err)
	def, err := shard.ParseDefinition("objects(4)")
	require.NoError(t, err)
	def.HashVersion = "murmur3"
	raw, err := def.Encode()
	require.NoError(t, err)
	require.NoError(t, eng.PutMeta(definitionKey, raw))
	require.NoError(t, eng.Close())

	_, err = Open(testDir, testOptions(fs, ""))
	assert.ErrorIs(t, err, shard.ErrUnknownHashVersion)
}

func TestInvalidDefinition(t *testing.T) {
	_, err := Open(testDir, testOptions(vfs.NewMem(), "objects(0)"))
	assert.Error(t, err)

	_, err = Open(testDir, testOptions(vfs.NewMem(), "objects(4"))
	var perr *shard.ParseError
	assert.True(t, errors.As(err, &perr))
}

func TestCreate(t *testing.T) {
	fs := vfs.NewMem()
	db, err := Create(testDir, testOptions(fs, "objects(2)"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Create(testDir, testOptions(fs, "objects(2)"))
	assert.ErrorIs(t, err, ErrStoreExists)

	db, err = Open(testDir, testOptions(fs, ""))
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestMissingShardIsCorruption(t *testing.T) {
	fs := vfs.NewMem()
	s := openStore(t, fs, "objects(2)")
	require.NoError(t, s.Close())

	eng, err := pebbledb.Open(testDir, &pebbledb.Options{FS: fs})
	require.NoError(t, err)
	cf, ok := eng.ColumnFamily("objects-g0-1")
	require.True(t, ok)
	require.NoError(t, eng.DropColumnFamily(cf))
	require.NoError(t, eng.Close())

	_, err = Open(testDir, testOptions(fs, ""))
	assert.ErrorIs(t, err, store.ErrCorruption)
}

func TestStaleDefaultKeysAreRemovedOnOpen(t *testing.T) {
	fs := vfs.NewMem()
	s := openStore(t, fs, "objects(2)")
	stale := shard.CombineStrings("objects", []byte("stale"))
	require.NoError(t, s.eng.Put(s.eng.DefaultColumnFamily(), stale, []byte("x"), true))
	require.NoError(t, s.Close())

	s = openStore(t, fs, "")
	_, found, err := s.eng.Get(s.eng.DefaultColumnFamily(), stale)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClosedStore(t *testing.T) {
	s := openStore(t, vfs.NewMem(), "objects(2)")
	tx := s.GetTransaction()
	require.NoError(t, tx.Set("objects", []byte("k"), []byte("v")))
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Close(), store.ErrClosed)
	assert.ErrorIs(t, s.SubmitTransaction(tx), store.ErrClosed)
	_, _, err := s.Get("objects", []byte("k"))
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.GetIterator("objects")
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.GetWholeSpaceIterator()
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.Reshard("objects(4)", nil)
	assert.ErrorIs(t, err, store.ErrClosed)
	assert.ErrorIs(t, s.Compact(), store.ErrClosed)
	_, err = s.GetInfo()
	assert.ErrorIs(t, err, store.ErrClosed)
}

// --------------------------------------------------------------------------
// Compaction and Info
// --------------------------------------------------------------------------

func TestCompaction(t *testing.T) {
	s := openStore(t, vfs.NewMem(), "objects(4)[0-4]")
	fill(t, s, "objects", 300)
	fill(t, s, "plain", 30)
	submit(t, s, func(tx store.Transaction) {
		require.NoError(t, tx.RmRangeKeys("objects", key(0), key(100)))
	})

	require.NoError(t, s.CompactRangeAsync("objects", key(0), key(100)))
	require.NoError(t, s.CompactRangeAsync("objects", key(50), nil))
	require.NoError(t, s.CompactPrefixAsync("plain"))
	s.compactor.Wait()
	require.NoError(t, s.CompactPrefix("objects"))
	require.NoError(t, s.Compact())

	stats := s.compactor.Stats()
	assert.Equal(t, uint64(3), stats.Requests)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, uint64(0), stats.Errors)

	assert.Len(t, scan(t, s, "objects"), 200)
	requireKeys(t, s, "plain", 30)

	assert.Error(t, s.CompactRangeAsync("objects", []byte("b"), []byte("a")))
	assert.ErrorIs(t, s.CompactPrefixAsync(""), store.ErrInvalidPrefix)
}

func TestGetInfo(t *testing.T) {
	s := openStore(t, vfs.NewMem(), "objects(4)[0-4] empty(2)")
	submit(t, s, func(tx store.Transaction) {
		for i := 0; i < 10; i++ {
			require.NoError(t, tx.Set("objects", []byte(fmt.Sprintf("obj%d", i)), []byte("v")))
		}
		require.NoError(t, tx.Set("plain", []byte("a"), []byte("v")))
		require.NoError(t, tx.Set("plain", []byte("b"), []byte("v")))
	})

	info, err := s.GetInfo()
	require.NoError(t, err)
	assert.Equal(t, shard.HashVersion, info.HashVersion)
	assert.Equal(t, "objects(4)[0-4] empty(2)[0-]", info.Definition)
	assert.Equal(t, uint64(2), info.DefaultKeys)
	assert.Empty(t, info.Migrating)
	require.Len(t, info.Prefixes, 2)

	objects := info.Prefixes[0]
	assert.Equal(t, "objects", objects.Prefix)
	assert.Equal(t, []string{"objects-g0-0", "objects-g0-1", "objects-g0-2", "objects-g0-3"}, objects.ColumnFamilies)
	// shards of obj0 .. obj9: 3 3 1 2 0 0 3 2 3 1
	assert.Equal(t, []uint64{2, 2, 2, 4}, objects.Keys)
	assert.Equal(t, uint64(4), objects.Distribution.Max)
	assert.Equal(t, 3, objects.Distribution.Hottest)
	assert.Equal(t, []int{3}, objects.Distribution.Skewed(1.5))

	assert.Equal(t, []uint64{0, 0}, info.Prefixes[1].Keys)
	assert.Equal(t, engine.ImplPebble, info.Engine.Impl)
}

func TestOptionsString(t *testing.T) {
	opts := testOptions(vfs.NewMem(), "objects(4)[0-4]")
	out := opts.String()
	for _, want := range []string{"SHARDING", "objects(4)[0-4]", "MERGE OPERATORS", "uint64add", "concat", "RESHARDING", "ENGINE", "pebble", "bytewise"} {
		assert.True(t, strings.Contains(out, want), "%q not in\n%s", want, out)
	}
	// counters is listed before log
	assert.Less(t, strings.Index(out, "counters"), strings.Index(out, "log"))
}
