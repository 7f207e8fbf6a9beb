package cabin

import (
	"github.com/ValentinKolb/cabinkv/lib/engine"
	"github.com/ValentinKolb/cabinkv/lib/shard"
	"github.com/ValentinKolb/cabinkv/lib/store"
	"github.com/cockroachdb/errors"
)

type opKind uint8

const (
	opSet opKind = iota
	opDelete
	opSingleDelete
	opDeleteRange
	opMerge
)

// op is one logical operation. For range deletes key and end are physical keys.
type op struct {
	kind   opKind
	prefix string
	key    []byte // user key, physical start for range deletes
	value  []byte // value or merge operand, physical end for range deletes
}

// transaction records logical operations. They are resolved to column families
// when the transaction is submitted, so a transaction built before a reshard
// cutover is applied to the layout that is current at submission.
type transaction struct {
	store    *cabinStore
	ops      []op
	consumed bool
}

func (s *cabinStore) GetTransaction() store.Transaction {
	return &transaction{store: s}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (t *transaction) add(kind opKind, prefix string, key, value []byte) error {
	if t.consumed {
		return store.ErrTransactionConsumed
	}
	if err := validatePrefix(prefix); err != nil {
		return err
	}
	t.ops = append(t.ops, op{kind: kind, prefix: prefix, key: clone(key), value: clone(value)})
	return nil
}

func (t *transaction) Set(prefix string, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return t.add(opSet, prefix, key, value)
}

func (t *transaction) RmKey(prefix string, key []byte) error {
	return t.add(opDelete, prefix, key, nil)
}

func (t *transaction) RmSingleKey(prefix string, key []byte) error {
	return t.add(opSingleDelete, prefix, key, nil)
}

func (t *transaction) RmKeysByPrefix(prefix string) error {
	lower, upper := shard.PrefixRange(prefix)
	return t.add(opDeleteRange, prefix, lower, upper)
}

func (t *transaction) RmRangeKeys(prefix string, start, end []byte) error {
	if end != nil && t.store.opts.Comparer.Compare(start, end) > 0 {
		return errors.Wrapf(engine.ErrInvalidRange, "start %q is above end %q", start, end)
	}
	_, upper := shard.PrefixRange(prefix)
	lower := shard.CombineStrings(prefix, start)
	if end != nil {
		upper = shard.CombineStrings(prefix, end)
	}
	return t.add(opDeleteRange, prefix, lower, upper)
}

func (t *transaction) Merge(prefix string, key, value []byte) error {
	if !t.store.merges.supports(prefix) {
		return errors.Wrapf(store.NewError(store.RetCUnsupportedOperation, "merge is not supported"),
			"no merge operator registered for prefix %q", prefix)
	}
	return t.add(opMerge, prefix, key, value)
}

func (t *transaction) Count() int { return len(t.ops) }

// --------------------------------------------------------------------------
// Submission
// --------------------------------------------------------------------------

func (s *cabinStore) SubmitTransaction(tx store.Transaction) error {
	return s.submit(tx, false)
}

func (s *cabinStore) SubmitTransactionSync(tx store.Transaction) error {
	return s.submit(tx, true)
}

// submit resolves the operations of tx against the current layout and writes
// them as one engine batch. The transaction is consumed even if this fails.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (s *cabinStore) submit(tx store.Transaction, sync bool) error {
	t, ok := tx.(*transaction)
	if !ok || t.store != s {
		return store.ErrForeignTransaction
	}
	if t.consumed {
		return store.ErrTransactionConsumed
	}
	t.consumed = true

	s.gate.RLock()
	defer s.gate.RUnlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := s.writeOps(t.ops, sync)
	s.transactions.Inc()
	if err != nil {
		s.txErrors.Inc()
	}
	return err
}

// writeOps applies ops atomically. The caller holds the write gate.
func (s *cabinStore) writeOps(ops []op, sync bool) error {
	if len(ops) == 0 {
		return nil
	}
	b := s.eng.NewBatch()
	defer b.Close()
	for i := range ops {
		if err := s.apply(b, &ops[i]); err != nil {
			return err
		}
	}
	return errors.Wrap(s.eng.Write(b, sync), "submit transaction")
}

// apply appends o to b. While the prefix is migrated, point operations on keys the
// copy already passed and every range delete are also written to the target layout.
func (s *cabinStore) apply(b engine.Batch, o *op) error {
	rec := s.reg.route(o.prefix)
	var physical []byte
	if o.kind != opDeleteRange {
		physical = shard.CombineStrings(o.prefix, o.key)
	}
	if err := applyTo(b, rec, o, physical, false); err != nil {
		return err
	}

	mig, ok := s.reg.migration(o.prefix)
	if !ok || (o.kind != opDeleteRange && !mig.copied(o.key, physical)) {
		return nil
	}
	return applyTo(b, mig.target, o, physical, true)
}

// applyTo appends o to b for the layout rec. In a migration target a single
// delete is written as a plain delete.
func applyTo(b engine.Batch, rec *shardRecord, o *op, physical []byte, target bool) error {
	switch o.kind {
	case opSet:
		return b.Set(rec.handle(o.key), physical, o.value)
	case opDelete:
		return b.Delete(rec.handle(o.key), physical)
	case opSingleDelete:
		if target {
			return b.Delete(rec.handle(o.key), physical)
		}
		return b.SingleDelete(rec.handle(o.key), physical)
	case opDeleteRange:
		for _, h := range rec.handles {
			if err := b.DeleteRange(h, o.key, o.value); err != nil {
				return err
			}
		}
		return nil
	case opMerge:
		return b.Merge(rec.handle(o.key), physical, o.value)
	default:
		return errors.AssertionFailedf("unknown operation %d", o.kind)
	}
}
