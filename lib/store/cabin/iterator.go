package cabin

import (
	"github.com/ValentinKolb/cabinkv/lib/engine"
	"github.com/ValentinKolb/cabinkv/lib/shard"
	"github.com/ValentinKolb/cabinkv/lib/store"
	"github.com/ValentinKolb/cabinkv/lib/util"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Merge Core
// --------------------------------------------------------------------------

// mergeIterator merges child iterators over physical keys into one ordered
// stream. All children read the same snapshot. The iterator owns its children
// and the snapshot and closes them.
type mergeIterator struct {
	cmp      util.Comparer
	snap     engine.Snapshot
	children []engine.Iterator
	heap     *util.MergeHeap
	err      error
	cur      []byte // copy of the current key while the direction changes
	closed   bool
}

func newMergeIterator(cmp util.Comparer, snap engine.Snapshot, children []engine.Iterator) *mergeIterator {
	return &mergeIterator{
		cmp:      cmp,
		snap:     snap,
		children: children,
		heap:     util.NewMergeHeap(cmp, len(children)),
	}
}

// childDone records the error of child i after it became invalid
func (m *mergeIterator) childDone(i int) {
	if err := m.children[i].Error(); err != nil && m.err == nil {
		m.err = err
	}
}

// reset positions every child and rebuilds the heap
func (m *mergeIterator) reset(reverse bool, position func(c engine.Iterator) bool) bool {
	if m.closed {
		return false
	}
	m.heap.Reset(reverse)
	for i, c := range m.children {
		if position(c) {
			m.heap.PushSource(i, c.Key())
		} else {
			m.childDone(i)
		}
	}
	return m.settle()
}

// settle checks the top of the heap for a key reported by two children. Every
// key hashes to exactly one shard, so this is corruption.
func (m *mergeIterator) settle() bool {
	if m.err == nil {
		if other, dup := m.heap.Duplicate(); dup {
			top, key, _ := m.heap.Top()
			m.err = errors.Wrapf(store.ErrCorruption, "key %q is stored in shard %d and %d", key, top, other)
		}
	}
	return m.valid()
}

// advance re-keys child src after it moved
func (m *mergeIterator) advance(src int, valid bool) bool {
	if valid {
		m.heap.Update(src, m.children[src].Key())
	} else {
		m.heap.Remove(src)
		m.childDone(src)
	}
	return m.settle()
}

func (m *mergeIterator) first() bool {
	return m.reset(false, func(c engine.Iterator) bool { return c.First() })
}

func (m *mergeIterator) last() bool {
	return m.reset(true, func(c engine.Iterator) bool { return c.Last() })
}

func (m *mergeIterator) seekGE(key []byte) bool {
	return m.reset(false, func(c engine.Iterator) bool { return c.SeekGE(key) })
}

func (m *mergeIterator) seekLT(key []byte) bool {
	return m.reset(true, func(c engine.Iterator) bool { return c.SeekLT(key) })
}

// seekGT positions every child at its first key above key
func (m *mergeIterator) seekGT(key []byte) bool {
	return m.reset(false, func(c engine.Iterator) bool {
		if !c.SeekGE(key) {
			return false
		}
		if m.cmp.Compare(c.Key(), key) == 0 {
			return c.Next()
		}
		return true
	})
}

func (m *mergeIterator) next() bool {
	if !m.valid() {
		return false
	}
	src, key, _ := m.heap.Top()
	if !m.heap.Reverse() {
		return m.advance(src, m.children[src].Next())
	}

	// direction change: every child moves to its first key after the current one
	m.cur = append(m.cur[:0], key...)
	return m.seekGT(m.cur)
}

func (m *mergeIterator) prev() bool {
	if !m.valid() {
		return false
	}
	src, key, _ := m.heap.Top()
	if m.heap.Reverse() {
		return m.advance(src, m.children[src].Prev())
	}

	// direction change: every child moves to its last key before the current one
	m.cur = append(m.cur[:0], key...)
	return m.reset(true, func(c engine.Iterator) bool { return c.SeekLT(m.cur) })
}

func (m *mergeIterator) valid() bool {
	return !m.closed && m.err == nil && m.heap.Len() > 0
}

// physicalKey returns the current physical key
func (m *mergeIterator) physicalKey() []byte {
	if !m.valid() {
		return nil
	}
	_, key, _ := m.heap.Top()
	return key
}

func (m *mergeIterator) value() []byte {
	if !m.valid() {
		return nil
	}
	src, _, _ := m.heap.Top()
	return m.children[src].Value()
}

func (m *mergeIterator) status() error {
	if m.err != nil {
		return m.err
	}
	for _, c := range m.children {
		if err := c.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (m *mergeIterator) close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	var err error
	for _, c := range m.children {
		err = errors.CombineErrors(err, c.Close())
	}
	return errors.CombineErrors(err, m.snap.Close())
}

// --------------------------------------------------------------------------
// Prefix Iterator
// --------------------------------------------------------------------------

// prefixIterator iterates the shards of one prefix
type prefixIterator struct {
	m      *mergeIterator
	prefix string
}

func (it *prefixIterator) SeekToFirst() bool { return it.m.first() }
func (it *prefixIterator) SeekToLast() bool  { return it.m.last() }
func (it *prefixIterator) Next() bool        { return it.m.next() }
func (it *prefixIterator) Prev() bool        { return it.m.prev() }
func (it *prefixIterator) Valid() bool       { return it.m.valid() }
func (it *prefixIterator) Value() []byte     { return it.m.value() }
func (it *prefixIterator) Status() error     { return it.m.status() }
func (it *prefixIterator) Close() error      { return it.m.close() }

func (it *prefixIterator) LowerBound(to []byte) bool {
	return it.m.seekGE(shard.CombineStrings(it.prefix, to))
}

func (it *prefixIterator) UpperBound(after []byte) bool {
	return it.m.seekGT(shard.CombineStrings(it.prefix, after))
}

func (it *prefixIterator) Key() []byte {
	k := it.m.physicalKey()
	if k == nil {
		return nil
	}
	return k[len(it.prefix)+1:]
}

// --------------------------------------------------------------------------
// Whole Space Iterator
// --------------------------------------------------------------------------

type wholeSpaceIterator struct {
	m *mergeIterator
}

func (it *wholeSpaceIterator) Next() bool    { return it.m.next() }
func (it *wholeSpaceIterator) Prev() bool    { return it.m.prev() }
func (it *wholeSpaceIterator) Valid() bool   { return it.m.valid() }
func (it *wholeSpaceIterator) Value() []byte { return it.m.value() }
func (it *wholeSpaceIterator) Status() error { return it.m.status() }
func (it *wholeSpaceIterator) Close() error  { return it.m.close() }

func (it *wholeSpaceIterator) SeekToFirst(prefix string) bool {
	if prefix == "" {
		return it.m.first()
	}
	return it.m.seekGE(shard.CombineStrings(prefix, nil))
}

func (it *wholeSpaceIterator) SeekToLast(prefix string) bool {
	if prefix == "" {
		return it.m.last()
	}
	_, upper := shard.PrefixRange(prefix)
	return it.m.seekLT(upper)
}

func (it *wholeSpaceIterator) LowerBound(prefix string, to []byte) bool {
	return it.m.seekGE(shard.CombineStrings(prefix, to))
}

func (it *wholeSpaceIterator) UpperBound(prefix string, after []byte) bool {
	return it.m.seekGT(shard.CombineStrings(prefix, after))
}

func (it *wholeSpaceIterator) RawKey() (string, []byte) {
	prefix, key, _ := shard.SplitKey(it.m.physicalKey())
	return prefix, key
}

func (it *wholeSpaceIterator) Key() []byte {
	_, key := it.RawKey()
	return key
}

// skipIterator hides keys of the given prefixes. It wraps the default column
// family in whole space iterations, where keys of sharded prefixes are stale.
type skipIterator struct {
	engine.Iterator
	skip map[string]struct{}
}

func (f *skipIterator) skipped() (string, bool) {
	prefix, _, ok := shard.SplitKey(f.Iterator.Key())
	if !ok {
		return "", false
	}
	_, skip := f.skip[prefix]
	return prefix, skip
}

func (f *skipIterator) forward(valid bool) bool {
	for valid {
		prefix, skip := f.skipped()
		if !skip {
			return true
		}
		_, upper := shard.PrefixRange(prefix)
		valid = f.Iterator.SeekGE(upper)
	}
	return false
}

func (f *skipIterator) backward(valid bool) bool {
	for valid {
		prefix, skip := f.skipped()
		if !skip {
			return true
		}
		lower, _ := shard.PrefixRange(prefix)
		valid = f.Iterator.SeekLT(lower)
	}
	return false
}

func (f *skipIterator) First() bool            { return f.forward(f.Iterator.First()) }
func (f *skipIterator) Next() bool             { return f.forward(f.Iterator.Next()) }
func (f *skipIterator) SeekGE(key []byte) bool { return f.forward(f.Iterator.SeekGE(key)) }
func (f *skipIterator) Last() bool             { return f.backward(f.Iterator.Last()) }
func (f *skipIterator) Prev() bool             { return f.backward(f.Iterator.Prev()) }
func (f *skipIterator) SeekLT(key []byte) bool { return f.backward(f.Iterator.SeekLT(key)) }

// --------------------------------------------------------------------------
// Store Methods
// --------------------------------------------------------------------------

func (s *cabinStore) GetIterator(prefix string) (store.Iterator, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := validatePrefix(prefix); err != nil {
		return nil, err
	}
	lower, upper := shard.PrefixRange(prefix)
	m, err := s.openMerge(&engine.IterOptions{LowerBound: lower, UpperBound: upper},
		func() ([]engine.ColumnFamily, map[string]struct{}) {
			return s.reg.route(prefix).handles, nil
		})
	if err != nil {
		return nil, err
	}
	return &prefixIterator{m: m, prefix: prefix}, nil
}

func (s *cabinStore) GetWholeSpaceIterator() (store.WholeSpaceIterator, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	m, err := s.openMerge(nil, func() ([]engine.ColumnFamily, map[string]struct{}) {
		return s.reg.columnFamilies(), s.reg.sharded()
	})
	if err != nil {
		return nil, err
	}
	return &wholeSpaceIterator{m: m}, nil
}

// openMerge opens one child per column family returned by resolve on a shared
// snapshot. Keys of the skipped prefixes are hidden in the default column family.
// Column families and snapshot are taken within one epoch, so the merged view
// never mixes two layouts.
func (s *cabinStore) openMerge(opts *engine.IterOptions, resolve func() ([]engine.ColumnFamily, map[string]struct{})) (*mergeIterator, error) {
	for attempt := 0; ; attempt++ {
		epoch := s.readEpoch()
		handles, skip := resolve()
		snap, err := s.eng.NewSnapshot()
		if err != nil {
			return nil, err
		}
		if s.reg.currentEpoch() != epoch && attempt < maxResolveAttempts {
			_ = snap.Close()
			continue
		}

		children := make([]engine.Iterator, 0, len(handles))
		for _, h := range handles {
			var it engine.Iterator
			if it, err = snap.NewIterator(h, opts); err != nil {
				break
			}
			if len(skip) > 0 && h.ID() == s.reg.defaultCF.ID() {
				it = &skipIterator{Iterator: it, skip: skip}
			}
			children = append(children, it)
		}
		if err == nil {
			return newMergeIterator(s.keys, snap, children), nil
		}

		for _, c := range children {
			_ = c.Close()
		}
		_ = snap.Close()
		if !errors.Is(err, engine.ErrColumnFamilyDropped) || attempt >= maxResolveAttempts {
			return nil, err
		}
	}
}
