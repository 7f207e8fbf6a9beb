// Package cabin implements store.KeyValueDB on top of the pebble engine.
//
// Layout:
//
// Every key is stored as prefix + NUL + key. Prefixes without an entry in the
// sharding definition live in the default column family. A sharded prefix owns
// ShardCount column families named <prefix>-g<generation>-<index>, and a key is
// routed to the shard xxhash(key[HashL:HashH]) % ShardCount.
//
//	objects(8)[0-4]      keys of "objects" over 8 shards, hashing bytes 0..3
//	logs(4) big(2)[2-]   two sharded prefixes
//	idx(3) block_size=4k column family options
//
// Reads:
//
// Get resolves one shard. Iterators take one snapshot and merge the shards of a
// prefix (or of the whole store) with a heap, so their view is consistent across
// shards. A key found in two shards is reported as ErrCorruption.
//
// Resharding:
//
// Reshard diffs the active definition with the new one and migrates each changed
// prefix while the store stays online:
//
//  1. new column families are created and writes to the prefix go to both layouts
//  2. keys are copied in chunks bounded by store.ReshardingCtrl
//  3. the new definition is persisted and the registry swapped in one step
//  4. the old column families are dropped
//
// A reshard interrupted before step 3 leaves the old definition in force. The
// column families it created are dropped the next time the store is opened.
package cabin
