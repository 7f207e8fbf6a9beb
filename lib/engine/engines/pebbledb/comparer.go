package pebbledb

import (
	"bytes"
	"encoding/binary"

	"github.com/ValentinKolb/cabinkv/lib/util"
	"github.com/cockroachdb/pebble"
)

// newComparer returns the pebble order of engine keys. Column families and the
// system keyspace are ordered by id. The keys of one column family are ordered by
// cmp, the empty key first. A bytewise cmp yields pebble's default comparer.
//
// The name is persisted by pebble: a database can only be reopened with the
// order it was created with.
func newComparer(cmp util.Comparer) *pebble.Comparer {
	if util.IsBytewise(cmp) {
		return pebble.DefaultComparer
	}
	c := *pebble.DefaultComparer
	c.Name = "cabinkv.cf." + cmp.Name()
	c.Compare = func(a, b []byte) int { return compareEngineKeys(cmp, a, b) }
	c.AbbreviatedKey = func(key []byte) uint64 {
		var id [cfPrefixLen]byte
		copy(id[:], key)
		return uint64(binary.BigEndian.Uint32(id[:])) << 32
	}
	// any key between a and b is a valid separator, a itself is the shortest
	// one known without knowing cmp
	c.Separator = func(dst, a, _ []byte) []byte { return append(dst, a...) }
	c.Successor = func(dst, a []byte) []byte { return append(dst, a...) }
	return &c
}

func compareEngineKeys(cmp util.Comparer, a, b []byte) int {
	if len(a) < cfPrefixLen || len(b) < cfPrefixLen {
		return bytes.Compare(a, b)
	}
	if c := bytes.Compare(a[:cfPrefixLen], b[:cfPrefixLen]); c != 0 {
		return c
	}
	if binary.BigEndian.Uint32(a) == systemCFID {
		return bytes.Compare(a, b)
	}

	ka, kb := a[cfPrefixLen:], b[cfPrefixLen:]
	switch {
	case len(ka) == 0 && len(kb) == 0:
		return 0
	case len(ka) == 0:
		return -1
	case len(kb) == 0:
		return 1
	}
	return cmp.Compare(ka, kb)
}
