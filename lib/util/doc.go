// Package util provides small building blocks shared by the store packages.
//
// The package contains:
//   - mergeheap: A priority queue of sorted sources used for k-way merges, with
//     direct access by source index and a pluggable Comparer
//   - statistics: Key spread and per shard skew of a prefix, reported by the store
package util
