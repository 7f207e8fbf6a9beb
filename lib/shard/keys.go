package shard

import (
	"bytes"

	"github.com/ValentinKolb/cabinkv/lib/util"
)

// --------------------------------------------------------------------------
// Physical Keys
// --------------------------------------------------------------------------

// CombineStrings builds the physical key prefix + NUL + key
func CombineStrings(prefix string, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+1+len(key))
	out = append(out, prefix...)
	out = append(out, Separator)
	return append(out, key...)
}

// SplitKey splits a physical key at the first NUL. ok is false if physical has
// no separator.
func SplitKey(physical []byte) (prefix string, key []byte, ok bool) {
	i := bytes.IndexByte(physical, Separator)
	if i < 0 {
		return "", nil, false
	}
	return string(physical[:i]), physical[i+1:], true
}

// PastPrefix returns the smallest key greater than every key starting with prefix.
// The last byte is incremented with carry, trailing 0xff bytes are dropped.
// If prefix is empty or consists of 0xff bytes only no such key exists and
// bounded is false.
func PastPrefix(prefix []byte) (key []byte, bounded bool) {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xff {
			out := make([]byte, i+1)
			copy(out, prefix)
			out[i]++
			return out, true
		}
	}
	return nil, false
}

// PrefixRange returns the physical key range [lower, upper) of all keys of prefix
func PrefixRange(prefix string) (lower, upper []byte) {
	lower = CombineStrings(prefix, nil)
	// the separator is 0x00, so the successor always exists
	upper, _ = PastPrefix(lower)
	return lower, upper
}

// --------------------------------------------------------------------------
// Key Order
// --------------------------------------------------------------------------

// keyOrder orders physical keys by prefix, bytewise, and then by user key.
// The empty user key sorts first, and a key without separator sorts before
// every key of its prefix, so PrefixRange and CombineStrings(prefix, nil)
// bound a prefix under every user key order.
type keyOrder struct {
	keys util.Comparer
}

// NewKeyOrder returns the order of physical keys whose user keys are ordered by
// keys. With bytewise (or nil) user keys this is the bytewise order.
func NewKeyOrder(keys util.Comparer) util.Comparer {
	if util.IsBytewise(keys) {
		return util.BytewiseComparer{}
	}
	return keyOrder{keys: keys}
}

func (o keyOrder) Name() string { return "prefix+" + o.keys.Name() }

func (o keyOrder) Compare(a, b []byte) int {
	ia, ib := bytes.IndexByte(a, Separator), bytes.IndexByte(b, Separator)
	pa, pb := a, b
	if ia >= 0 {
		pa = a[:ia]
	}
	if ib >= 0 {
		pb = b[:ib]
	}
	if c := bytes.Compare(pa, pb); c != 0 {
		return c
	}
	switch {
	case ia < 0 && ib < 0:
		return 0
	case ia < 0:
		return -1
	case ib < 0:
		return 1
	}

	ka, kb := a[ia+1:], b[ib+1:]
	switch {
	case len(ka) == 0 && len(kb) == 0:
		return 0
	case len(ka) == 0:
		return -1
	case len(kb) == 0:
		return 1
	}
	return o.keys.Compare(ka, kb)
}
