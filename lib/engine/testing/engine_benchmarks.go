package testing

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/ValentinKolb/cabinkv/lib/engine"
)

// RunEngineBenchmarks runs all benchmarks for an engine implementation
func RunEngineBenchmarks(b *testing.B, name string, factory EngineFactory) {

	b.Run("Put", func(b *testing.B) {
		benchmarkPut(b, factory(b))
	})

	b.Run("Get", func(b *testing.B) {
		benchmarkGet(b, factory(b))
	})

	b.Run("Batch", func(b *testing.B) {
		benchmarkBatch(b, factory(b))
	})

	b.Run("Iterate", func(b *testing.B) {
		benchmarkIterate(b, factory(b))
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

func benchmarkPut(b *testing.B, e engine.Engine) {
	b.Cleanup(func() { _ = e.Close() })
	cf := e.DefaultColumnFamily()
	value := make([]byte, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := e.Put(cf, []byte(fmt.Sprintf("key-%d", i)), value, false); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkGet(b *testing.B, e engine.Engine) {
	b.Cleanup(func() { _ = e.Close() })
	cf := e.DefaultColumnFamily()
	const n = 10000
	for i := 0; i < n; i++ {
		_ = e.Put(cf, []byte(fmt.Sprintf("key-%d", i)), []byte("value"), false)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			if _, _, err := e.Get(cf, []byte(fmt.Sprintf("key-%d", r.Intn(n)))); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// Writes batches of 100 keys spread over 4 column families
func benchmarkBatch(b *testing.B, e engine.Engine) {
	b.Cleanup(func() { _ = e.Close() })
	cfs := make([]engine.ColumnFamily, 4)
	for i := range cfs {
		cf, err := e.CreateColumnFamily(fmt.Sprintf("cf-%d", i), nil)
		if err != nil {
			b.Fatal(err)
		}
		cfs[i] = cf
	}
	value := make([]byte, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		batch := e.NewBatch()
		for j := 0; j < 100; j++ {
			_ = batch.Set(cfs[j%len(cfs)], []byte(fmt.Sprintf("key-%d-%d", i, j)), value)
		}
		if err := e.Write(batch, false); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkIterate(b *testing.B, e engine.Engine) {
	b.Cleanup(func() { _ = e.Close() })
	cf := e.DefaultColumnFamily()
	for i := 0; i < 1000; i++ {
		_ = e.Put(cf, []byte(fmt.Sprintf("key-%04d", i)), []byte("value"), false)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		it, err := e.NewIterator(cf, nil)
		if err != nil {
			b.Fatal(err)
		}
		for valid := it.First(); valid; valid = it.Next() {
			_ = it.Key()
		}
		_ = it.Close()
	}
}
