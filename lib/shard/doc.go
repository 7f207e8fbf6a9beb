// Package shard maps keys of logical keyspaces ("prefixes") to column family shards.
//
// A sharding definition assigns each prefix a shard count and a hash range. The
// shard of a key is
//
//	xxhash64(key[hash_l:min(hash_h, len(key))]) mod shard_count
//
// which is a pure function of the definition and the key. The hash is versioned
// (HashVersion) and the version is persisted with the definition, so a store is
// never opened with a different hash than the one its data was routed with.
//
// Definitions are written in a small DSL, entries separated by whitespace:
//
//	users(8)[0-4] ttl=0 objects(4)[0-] logs
//
// Physical keys are prefix + NUL + user key. NUL is not allowed in prefixes, so
// [prefix\0, prefix\1) contains exactly the keys of one prefix.
package shard
