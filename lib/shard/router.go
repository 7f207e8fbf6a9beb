package shard

import "github.com/cespare/xxhash/v2"

// Hash is the shard hash named by HashVersion
func Hash(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// HashBounds clamps [HashL, HashH) to a key of length n.
func (e *Entry) HashBounds(n int) (l, h int) {
	l, h = e.HashL, e.HashH
	if h == Unbounded || h > n {
		h = n
	}
	if l > h {
		l = h
	}
	return l, h
}

// Shard returns the shard index of the user key key.
// The result depends only on the entry and the key.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *Entry) Shard(key []byte) int {
	if e.ShardCount <= 1 {
		return 0
	}
	l, h := e.HashBounds(len(key))
	return int(Hash(key[l:h]) % uint64(e.ShardCount))
}
