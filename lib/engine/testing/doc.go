// Package testing provides standardised tests and benchmarks for
// storage engines that satisfy the engine.Engine interface.
//
// The package contains:
//   - testing: A conformance suite covering column family isolation and lifecycle,
//     atomic batches, range deletes, merges, snapshots and iterator bounds
//   - benchmark: Performance tests for the operations the store issues most often
//
// Features an engine does not report through SupportsFeature are skipped.
//
// Example usage:
//
//	factory := func(t testing.TB) engine.Engine {
//		e, err := NewMyEngine(t.TempDir())
//		if err != nil {
//			t.Fatal(err)
//		}
//		return e
//	}
//
//	enginetesting.RunEngineTests(t, "MyEngine", factory)
//	enginetesting.RunEngineBenchmarks(b, "MyEngine", factory)
package testing
