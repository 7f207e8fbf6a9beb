package pebbledb

import (
	"github.com/ValentinKolb/cabinkv/lib/engine"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

// iterator translates between column family keys and engine keys
type iterator struct {
	it  *pebble.Iterator
	cf  *columnFamily
	buf []byte
}

func (i *iterator) seekKey(key []byte) []byte {
	i.buf = append(append(i.buf[:0], i.cf.prefix...), key...)
	return i.buf
}

func (i *iterator) First() bool            { return i.it.First() }
func (i *iterator) Last() bool             { return i.it.Last() }
func (i *iterator) SeekGE(key []byte) bool { return i.it.SeekGE(i.seekKey(key)) }
func (i *iterator) SeekLT(key []byte) bool { return i.it.SeekLT(i.seekKey(key)) }
func (i *iterator) Next() bool             { return i.it.Next() }
func (i *iterator) Prev() bool             { return i.it.Prev() }
func (i *iterator) Valid() bool            { return i.it.Valid() }
func (i *iterator) Value() []byte          { return i.it.Value() }
func (i *iterator) Error() error           { return errors.WithStack(i.it.Error()) }
func (i *iterator) Close() error           { return errors.WithStack(i.it.Close()) }

// Key strips the column family prefix
func (i *iterator) Key() []byte {
	k := i.it.Key()
	if len(k) < cfPrefixLen {
		return nil
	}
	return k[cfPrefixLen:]
}

var _ engine.Iterator = (*iterator)(nil)

// --------------------------------------------------------------------------
// Snapshot
// --------------------------------------------------------------------------

type snapshot struct {
	engine *pebbleImpl
	snap   *pebble.Snapshot
}

func (s *snapshot) Get(cf engine.ColumnFamily, key []byte) ([]byte, bool, error) {
	return s.engine.get(s.snap, cf, key)
}

func (s *snapshot) NewIterator(cf engine.ColumnFamily, opts *engine.IterOptions) (engine.Iterator, error) {
	return s.engine.newIterator(s.snap, cf, opts)
}

func (s *snapshot) Close() error {
	return errors.WithStack(s.snap.Close())
}

// --------------------------------------------------------------------------
// Batch
// --------------------------------------------------------------------------

type batch struct {
	engine   *pebbleImpl
	b        *pebble.Batch
	consumed bool
}

func (b *batch) Set(cf engine.ColumnFamily, key, value []byte) error {
	h, err := b.engine.resolve(cf)
	if err != nil {
		return err
	}
	return errors.WithStack(b.b.Set(h.key(key), value, nil))
}

func (b *batch) Delete(cf engine.ColumnFamily, key []byte) error {
	h, err := b.engine.resolve(cf)
	if err != nil {
		return err
	}
	return errors.WithStack(b.b.Delete(h.key(key), nil))
}

func (b *batch) SingleDelete(cf engine.ColumnFamily, key []byte) error {
	h, err := b.engine.resolve(cf)
	if err != nil {
		return err
	}
	return errors.WithStack(b.b.SingleDelete(h.key(key), nil))
}

func (b *batch) DeleteRange(cf engine.ColumnFamily, start, end []byte) error {
	h, err := b.engine.resolve(cf)
	if err != nil {
		return err
	}
	lower, upper := h.key(start), h.upper
	if end != nil {
		upper = h.key(end)
	}
	return errors.WithStack(b.b.DeleteRange(lower, upper, nil))
}

func (b *batch) Merge(cf engine.ColumnFamily, key, value []byte) error {
	h, err := b.engine.resolve(cf)
	if err != nil {
		return err
	}
	return errors.WithStack(b.b.Merge(h.key(key), value, nil))
}

func (b *batch) PutMeta(key, value []byte) error {
	return errors.WithStack(b.b.Set(metaKey(key), value, nil))
}

func (b *batch) Count() int { return int(b.b.Count()) }
func (b *batch) Len() int   { return b.b.Len() }

// Close releases an unwritten batch. Closing a written batch is a no-op.
func (b *batch) Close() error {
	if b.consumed {
		return nil
	}
	b.consumed = true
	return errors.WithStack(b.b.Close())
}
