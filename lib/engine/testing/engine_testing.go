package testing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/ValentinKolb/cabinkv/lib/engine"
)

// EngineFactory creates a new, empty engine. The factory is called once per test.
type EngineFactory func(t testing.TB) engine.Engine

// RunEngineTests runs a comprehensive test suite for an engine implementation.
func RunEngineTests(t *testing.T, name string, factory EngineFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("PutGet", func(t *testing.T) {
			testPutGet(t, factory(t))
		})

		t.Run("ColumnFamilyIsolation", func(t *testing.T) {
			testColumnFamilyIsolation(t, factory(t))
		})

		t.Run("ColumnFamilyLifecycle", func(t *testing.T) {
			testColumnFamilyLifecycle(t, factory(t))
		})

		t.Run("BatchAtomicity", func(t *testing.T) {
			testBatchAtomicity(t, factory(t))
		})

		t.Run("DeleteRange", func(t *testing.T) {
			testDeleteRange(t, factory(t))
		})

		t.Run("SingleDelete", func(t *testing.T) {
			testSingleDelete(t, factory(t))
		})

		t.Run("Merge", func(t *testing.T) {
			testMerge(t, factory(t))
		})

		t.Run("Snapshot", func(t *testing.T) {
			testSnapshot(t, factory(t))
		})

		t.Run("IteratorBounds", func(t *testing.T) {
			testIteratorBounds(t, factory(t))
		})

		t.Run("CompactRange", func(t *testing.T) {
			testCompactRange(t, factory(t))
		})

		t.Run("Metadata", func(t *testing.T) {
			testMetadata(t, factory(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the engine supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, e engine.Engine, feature engine.Feature) {
	if !e.SupportsFeature(feature) {
		t.Skip()
	}
}

func mustCreate(t testing.TB, e engine.Engine, name string) engine.ColumnFamily {
	cf, err := e.CreateColumnFamily(name, nil)
	if err != nil {
		t.Fatalf("CreateColumnFamily(%q) failed: %v", name, err)
	}
	return cf
}

func expectValue(t testing.TB, r engine.Reader, cf engine.ColumnFamily, key, want string) {
	t.Helper()
	got, found, err := r.Get(cf, []byte(key))
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	if !found {
		t.Errorf("Expected key %q to exist", key)
		return
	}
	if string(got) != want {
		t.Errorf("Expected value %q for key %q, got %q", want, key, got)
	}
}

func expectMissing(t testing.TB, r engine.Reader, cf engine.ColumnFamily, key string) {
	t.Helper()
	_, found, err := r.Get(cf, []byte(key))
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	if found {
		t.Errorf("Expected key %q to be missing", key)
	}
}

func collectKeys(t testing.TB, it engine.Iterator, forward bool) []string {
	t.Helper()
	defer it.Close()
	var keys []string
	var valid bool
	if forward {
		valid = it.First()
	} else {
		valid = it.Last()
	}
	for valid {
		keys = append(keys, string(it.Key()))
		if forward {
			valid = it.Next()
		} else {
			valid = it.Prev()
		}
	}
	if err := it.Error(); err != nil {
		t.Fatalf("iterator failed: %v", err)
	}
	return keys
}

func equalKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testPutGet(t *testing.T, e engine.Engine) {
	defer e.Close()
	cf := e.DefaultColumnFamily()

	if err := e.Put(cf, []byte("k"), []byte("v1"), false); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	expectValue(t, e, cf, "k", "v1")

	if err := e.Put(cf, []byte("k"), []byte("v2"), true); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	expectValue(t, e, cf, "k", "v2")

	got, _, _ := e.Get(cf, []byte("k"))
	got[0] = 'X'
	expectValue(t, e, cf, "k", "v2")

	if err := e.Delete(cf, []byte("k"), false); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	expectMissing(t, e, cf, "k")
	expectMissing(t, e, cf, "never-written")
}

func testColumnFamilyIsolation(t *testing.T, e engine.Engine) {
	defer e.Close()
	a := mustCreate(t, e, "a")
	b := mustCreate(t, e, "b")

	_ = e.Put(a, []byte("key"), []byte("in-a"), false)
	_ = e.Put(b, []byte("key"), []byte("in-b"), false)

	expectValue(t, e, a, "key", "in-a")
	expectValue(t, e, b, "key", "in-b")
	expectMissing(t, e, e.DefaultColumnFamily(), "key")

	it, err := e.NewIterator(a, nil)
	if err != nil {
		t.Fatalf("NewIterator failed: %v", err)
	}
	if keys := collectKeys(t, it, true); !equalKeys(keys, []string{"key"}) {
		t.Errorf("Expected only [key] in a, got %v", keys)
	}
}

func testColumnFamilyLifecycle(t *testing.T, e engine.Engine) {
	defer e.Close()
	a := mustCreate(t, e, "a")

	if _, err := e.CreateColumnFamily("a", nil); !errors.Is(err, engine.ErrColumnFamilyExists) {
		t.Errorf("Expected ErrColumnFamilyExists, got %v", err)
	}
	if got, ok := e.ColumnFamily("a"); !ok || got.ID() != a.ID() {
		t.Errorf("Expected lookup of a to return id %d", a.ID())
	}

	_ = e.Put(a, []byte("x"), []byte("y"), false)
	if err := e.DropColumnFamily(a); err != nil {
		t.Fatalf("DropColumnFamily failed: %v", err)
	}
	if _, err := e.NewIterator(a, nil); !errors.Is(err, engine.ErrColumnFamilyDropped) {
		t.Errorf("Expected ErrColumnFamilyDropped on dropped handle, got %v", err)
	}
	if _, ok := e.ColumnFamily("a"); ok {
		t.Errorf("Dropped column family must not be found by name")
	}

	// ids are never reused
	again := mustCreate(t, e, "a")
	if again.ID() == a.ID() {
		t.Errorf("Column family id %d reused after drop", a.ID())
	}
	expectMissing(t, e, again, "x")

	if err := e.DropColumnFamily(e.DefaultColumnFamily()); err == nil {
		t.Errorf("Dropping the default column family must fail")
	}

	ids := map[uint32]bool{}
	for _, cf := range e.ColumnFamilies() {
		if ids[cf.ID()] {
			t.Errorf("Duplicate id %d in ColumnFamilies()", cf.ID())
		}
		ids[cf.ID()] = true
	}
	if len(ids) != 2 {
		t.Errorf("Expected default and a to be live, got %d column families", len(ids))
	}
}

func testBatchAtomicity(t *testing.T, e engine.Engine) {
	defer e.Close()
	a := mustCreate(t, e, "a")
	b := mustCreate(t, e, "b")

	batch := e.NewBatch()
	_ = batch.Set(a, []byte("1"), []byte("one"))
	_ = batch.Set(b, []byte("2"), []byte("two"))
	_ = batch.PutMeta([]byte("m"), []byte("meta"))
	if batch.Count() != 3 {
		t.Errorf("Expected 3 operations in batch, got %d", batch.Count())
	}

	// nothing visible before write
	expectMissing(t, e, a, "1")

	if err := e.Write(batch, true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	expectValue(t, e, a, "1", "one")
	expectValue(t, e, b, "2", "two")
	if v, ok, _ := e.GetMeta([]byte("m")); !ok || string(v) != "meta" {
		t.Errorf("Expected metadata written in batch, got %q (found=%v)", v, ok)
	}

	if err := e.Write(batch, false); err == nil {
		t.Errorf("Writing a batch twice must fail")
	}

	// a batch touching a dropped family cannot be built
	_ = e.DropColumnFamily(b)
	batch = e.NewBatch()
	defer batch.Close()
	if err := batch.Set(b, []byte("3"), []byte("three")); !errors.Is(err, engine.ErrColumnFamilyDropped) {
		t.Errorf("Expected ErrColumnFamilyDropped, got %v", err)
	}
}

func testDeleteRange(t *testing.T, e engine.Engine) {
	defer e.Close()
	requireFeature(t, e, engine.FeatureDeleteRange)
	a := mustCreate(t, e, "a")
	b := mustCreate(t, e, "b")

	for _, k := range []string{"a1", "a2", "b1", "b2", "c1"} {
		_ = e.Put(a, []byte(k), []byte(k), false)
		_ = e.Put(b, []byte(k), []byte(k), false)
	}

	batch := e.NewBatch()
	_ = batch.DeleteRange(a, []byte("a2"), []byte("c"))
	if err := e.Write(batch, false); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	it, _ := e.NewIterator(a, nil)
	if keys := collectKeys(t, it, true); !equalKeys(keys, []string{"a1", "c1"}) {
		t.Errorf("Expected [a1 c1] after range delete, got %v", keys)
	}

	// open ended range delete clears the rest of the family only
	batch = e.NewBatch()
	_ = batch.DeleteRange(a, []byte(""), nil)
	_ = e.Write(batch, false)
	it, _ = e.NewIterator(a, nil)
	if keys := collectKeys(t, it, true); len(keys) != 0 {
		t.Errorf("Expected a to be empty, got %v", keys)
	}
	it, _ = e.NewIterator(b, nil)
	if keys := collectKeys(t, it, true); len(keys) != 5 {
		t.Errorf("Range delete leaked into b, got %v", keys)
	}
}

func testSingleDelete(t *testing.T, e engine.Engine) {
	defer e.Close()
	requireFeature(t, e, engine.FeatureSingleDelete)
	cf := e.DefaultColumnFamily()

	_ = e.Put(cf, []byte("once"), []byte("v"), false)
	batch := e.NewBatch()
	_ = batch.SingleDelete(cf, []byte("once"))
	if err := e.Write(batch, false); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	expectMissing(t, e, cf, "once")
}

func testMerge(t *testing.T, e engine.Engine) {
	defer e.Close()
	requireFeature(t, e, engine.FeatureMerge)
	cf := e.DefaultColumnFamily()

	_ = e.Merge(cf, []byte("m"), []byte("a"), false)
	_ = e.Merge(cf, []byte("m"), []byte("b"), false)
	got, found, err := e.Get(cf, []byte("m"))
	if err != nil || !found {
		t.Fatalf("Get after merge failed: found=%v err=%v", found, err)
	}
	if len(got) == 0 {
		t.Errorf("Expected merged value, got empty value")
	}
}

func testSnapshot(t *testing.T, e engine.Engine) {
	defer e.Close()
	requireFeature(t, e, engine.FeatureSnapshots)
	cf := mustCreate(t, e, "a")

	_ = e.Put(cf, []byte("k1"), []byte("old"), false)
	snap, err := e.NewSnapshot()
	if err != nil {
		t.Fatalf("NewSnapshot failed: %v", err)
	}
	defer snap.Close()

	_ = e.Put(cf, []byte("k1"), []byte("new"), false)
	_ = e.Put(cf, []byte("k2"), []byte("new"), false)

	expectValue(t, snap, cf, "k1", "old")
	expectMissing(t, snap, cf, "k2")
	expectValue(t, e, cf, "k1", "new")

	it, err := snap.NewIterator(cf, nil)
	if err != nil {
		t.Fatalf("snapshot iterator failed: %v", err)
	}
	if keys := collectKeys(t, it, true); !equalKeys(keys, []string{"k1"}) {
		t.Errorf("Expected snapshot iterator to see [k1], got %v", keys)
	}
}

func testIteratorBounds(t *testing.T, e engine.Engine) {
	defer e.Close()
	cf := mustCreate(t, e, "a")
	for i := 0; i < 10; i++ {
		k := fmt.Sprintf("k%d", i)
		_ = e.Put(cf, []byte(k), []byte(k), false)
	}

	it, err := e.NewIterator(cf, &engine.IterOptions{LowerBound: []byte("k3"), UpperBound: []byte("k6")})
	if err != nil {
		t.Fatalf("NewIterator failed: %v", err)
	}
	if keys := collectKeys(t, it, true); !equalKeys(keys, []string{"k3", "k4", "k5"}) {
		t.Errorf("Expected [k3 k4 k5], got %v", keys)
	}

	it, _ = e.NewIterator(cf, &engine.IterOptions{LowerBound: []byte("k3"), UpperBound: []byte("k6")})
	if keys := collectKeys(t, it, false); !equalKeys(keys, []string{"k5", "k4", "k3"}) {
		t.Errorf("Expected [k5 k4 k3] backwards, got %v", keys)
	}

	it, _ = e.NewIterator(cf, nil)
	defer it.Close()
	if !it.SeekGE([]byte("k45")) || string(it.Key()) != "k5" {
		t.Errorf("SeekGE(k45) should land on k5")
	}
	if !it.SeekLT([]byte("k45")) || string(it.Key()) != "k4" {
		t.Errorf("SeekLT(k45) should land on k4")
	}
	if it.SeekGE([]byte("z")) {
		t.Errorf("SeekGE past the end must be invalid")
	}
}

func testCompactRange(t *testing.T, e engine.Engine) {
	defer e.Close()
	requireFeature(t, e, engine.FeatureCompactRange)
	cf := mustCreate(t, e, "a")

	for i := 0; i < 100; i++ {
		k := make([]byte, 8)
		binary.BigEndian.PutUint64(k, uint64(i))
		_ = e.Put(cf, k, bytes.Repeat([]byte{'v'}, 64), false)
	}
	if err := e.CompactRange(cf, nil, nil); err != nil {
		t.Fatalf("CompactRange failed: %v", err)
	}
	if err := e.CompactRange(nil, nil, nil); err != nil {
		t.Fatalf("CompactRange over the whole engine failed: %v", err)
	}
	it, _ := e.NewIterator(cf, nil)
	if keys := collectKeys(t, it, true); len(keys) != 100 {
		t.Errorf("Expected 100 keys after compaction, got %d", len(keys))
	}
}

func testMetadata(t *testing.T, e engine.Engine) {
	defer e.Close()

	if _, found, err := e.GetMeta([]byte("missing")); err != nil || found {
		t.Errorf("Expected missing metadata key, got found=%v err=%v", found, err)
	}
	if err := e.PutMeta([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("PutMeta failed: %v", err)
	}
	if v, found, _ := e.GetMeta([]byte("k")); !found || string(v) != "v" {
		t.Errorf("Expected metadata v, got %q", v)
	}

	// metadata is not visible through column families
	it, _ := e.NewIterator(e.DefaultColumnFamily(), nil)
	if keys := collectKeys(t, it, true); len(keys) != 0 {
		t.Errorf("Metadata leaked into the default column family: %v", keys)
	}

	if err := e.DeleteMeta([]byte("k")); err != nil {
		t.Fatalf("DeleteMeta failed: %v", err)
	}
	if _, found, _ := e.GetMeta([]byte("k")); found {
		t.Errorf("Expected metadata to be deleted")
	}
}
