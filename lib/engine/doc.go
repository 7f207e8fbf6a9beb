// Package engine defines the interface of the embedded ordered key-value engine
// the store runs on. The engine is a trusted component: durability, memtables,
// compaction scheduling and caching are its responsibility.
//
// An engine provides:
//   - Column families: isolated, independently droppable keyspaces addressed by handle
//   - Atomic batches spanning any number of column families
//   - Range deletes, merges and point-in-time snapshots
//   - Manual range compaction
//   - A small metadata keyspace outside of all column families
//
// Implementations live in the engines subpackages. The testing subpackage
// provides a conformance suite every implementation should pass.
//
// Example usage:
//
//	e, err := pebbledb.Open(dir, nil)
//	if err != nil {
//		return err
//	}
//	defer e.Close()
//
//	cf, _ := e.CreateColumnFamily("users", nil)
//	b := e.NewBatch()
//	_ = b.Set(cf, []byte("alice"), []byte("1"))
//	err = e.Write(b, true)
package engine
