package pebbledb

import (
	"bytes"
	"testing"

	"github.com/ValentinKolb/cabinkv/lib/engine"
	enginetesting "github.com/ValentinKolb/cabinkv/lib/engine/testing"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memEngine(t testing.TB) engine.Engine {
	e, err := Open("", &Options{FS: vfs.NewMem()})
	if err != nil {
		t.Fatalf("open in-memory pebble: %v", err)
	}
	return e
}

func Test(t *testing.T) {
	enginetesting.RunEngineTests(t, "PebbleDB", memEngine)
}

func Benchmark(b *testing.B) {
	enginetesting.RunEngineBenchmarks(b, "PebbleDB", memEngine)
}

// upperOperator keeps the longest value seen, which makes the fold order irrelevant
type upperOperator struct{}

func (upperOperator) Name() string { return "longest" }

func (upperOperator) Merge(_, existing, operand []byte) ([]byte, error) {
	if len(operand) > len(existing) {
		return operand, nil
	}
	return existing, nil
}

func TestCatalogSurvivesReopen(t *testing.T) {
	fs := vfs.NewMem()
	e, err := Open("db", &Options{FS: fs})
	require.NoError(t, err)

	a, err := e.CreateColumnFamily("a", map[string]string{"owner": "test"})
	require.NoError(t, err)
	b, err := e.CreateColumnFamily("b", nil)
	require.NoError(t, err)
	require.NoError(t, e.Put(a, []byte("k"), []byte("v"), true))
	require.NoError(t, e.DropColumnFamily(b))
	require.NoError(t, e.PutMeta([]byte("m"), []byte("meta")))
	require.NoError(t, e.Close())

	e, err = Open("db", &Options{FS: fs})
	require.NoError(t, err)
	defer e.Close()

	got, ok := e.ColumnFamily("a")
	require.True(t, ok)
	assert.Equal(t, a.ID(), got.ID())
	_, ok = e.ColumnFamily("b")
	assert.False(t, ok, "dropped column family must stay dropped")

	v, found, err := e.Get(got, []byte("k"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", string(v))

	m, found, err := e.GetMeta([]byte("m"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "meta", string(m))

	// the id counter persisted, b's id is not handed out again
	c, err := e.CreateColumnFamily("c", nil)
	require.NoError(t, err)
	assert.Greater(t, c.ID(), b.ID())

	info := e.Info()
	assert.Equal(t, engine.ImplPebble, info.Impl)
	require.Len(t, info.ColumnFamilies, 3)
	assert.Equal(t, engine.DefaultColumnFamilyName, info.ColumnFamilies[0].Name)
	assert.Equal(t, "test", info.ColumnFamilies[1].Options["owner"])
}

func TestMergeOperator(t *testing.T) {
	e, err := Open("", &Options{FS: vfs.NewMem(), MergeOperator: upperOperator{}})
	require.NoError(t, err)
	defer e.Close()
	cf := e.DefaultColumnFamily()

	require.NoError(t, e.Merge(cf, []byte("k"), []byte("ab"), false))
	require.NoError(t, e.Merge(cf, []byte("k"), []byte("abcd"), false))
	require.NoError(t, e.Merge(cf, []byte("k"), []byte("a"), false))

	v, found, err := e.Get(cf, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "abcd", string(v))
}

func TestConcatIsDefaultMerge(t *testing.T) {
	e := memEngine(t)
	defer e.Close()
	cf := e.DefaultColumnFamily()

	require.NoError(t, e.Put(cf, []byte("k"), []byte("a"), false))
	require.NoError(t, e.Merge(cf, []byte("k"), []byte("b"), false))
	require.NoError(t, e.Merge(cf, []byte("k"), []byte("c"), false))

	v, _, err := e.Get(cf, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v))
}

func TestClosedEngine(t *testing.T) {
	e := memEngine(t)
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Close(), engine.ErrClosed)
	assert.ErrorIs(t, e.Put(e.DefaultColumnFamily(), []byte("k"), nil, false), engine.ErrClosed)
	_, err := e.NewSnapshot()
	assert.ErrorIs(t, err, engine.ErrClosed)
}

// reverseOrder orders keys from high to low
type reverseOrder struct{}

func (reverseOrder) Compare(a, b []byte) int { return bytes.Compare(b, a) }
func (reverseOrder) Name() string            { return "reverse" }

func TestComparer(t *testing.T) {
	fs := vfs.NewMem()
	e, err := Open("db", &Options{FS: fs, Comparer: reverseOrder{}})
	require.NoError(t, err)

	a, err := e.CreateColumnFamily("a", nil)
	require.NoError(t, err)
	b, err := e.CreateColumnFamily("b", nil)
	require.NoError(t, err)
	for _, k := range []string{"b", "a", "c"} {
		require.NoError(t, e.Put(a, []byte(k), []byte("v"+k), false))
	}
	require.NoError(t, e.Put(b, []byte("x"), []byte("vx"), false))
	require.NoError(t, e.Put(e.DefaultColumnFamily(), []byte("z"), []byte("vz"), false))

	keys := func(opts *engine.IterOptions) []string {
		it, err := e.NewIterator(a, opts)
		require.NoError(t, err)
		defer it.Close()
		var out []string
		for valid := it.First(); valid; valid = it.Next() {
			out = append(out, string(it.Key()))
		}
		require.NoError(t, it.Error())
		return out
	}
	assert.Equal(t, []string{"c", "b", "a"}, keys(nil))
	assert.Equal(t, []string{"c", "b"}, keys(&engine.IterOptions{LowerBound: []byte("c"), UpperBound: []byte("a")}))
	assert.Equal(t, []string{"b", "a"}, keys(&engine.IterOptions{LowerBound: []byte("b")}))

	_, err = e.NewIterator(a, &engine.IterOptions{LowerBound: []byte("a"), UpperBound: []byte("c")})
	assert.ErrorIs(t, err, engine.ErrInvalidRange)

	v, found, err := e.Get(a, []byte("b"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "vb", string(v))

	require.NoError(t, e.CompactRange(nil, nil, nil))
	assert.Equal(t, []string{"c", "b", "a"}, keys(nil))
	require.NoError(t, e.Close())

	// the order is part of the database
	_, err = Open("db", &Options{FS: fs})
	assert.Error(t, err)

	e, err = Open("db", &Options{FS: fs, Comparer: reverseOrder{}})
	require.NoError(t, err)
	defer e.Close()
	a, ok := e.ColumnFamily("a")
	require.True(t, ok)
	assert.Equal(t, []string{"c", "b", "a"}, keys(nil))
}
