package cabin

import (
	"github.com/ValentinKolb/cabinkv/lib/common"
	"github.com/ValentinKolb/cabinkv/lib/engine"
	"github.com/ValentinKolb/cabinkv/lib/shard"
	"github.com/ValentinKolb/cabinkv/lib/store"
	"github.com/cockroachdb/errors"
)

var reshardLogger = common.GetLogger("reshard")

// migration is the copy job of one changed prefix
type migration struct {
	change shard.Change
	*migrationState
}

// resharder runs one reshard. It exists for the duration of Reshard only.
type resharder struct {
	s      *cabinStore
	ctrl   store.ReshardingCtrl
	report store.ReshardReport

	batches  int  // batches flushed so far
	failCol  bool // a source column family was copied completely
	migrated []*migration
}

// Reshard migrates the store to the definition in text.
//
// Keys are copied chunk by chunk while the write gate is held exclusively, so
// transactions interleave with the copy. Writes to a prefix being migrated go to
// both layouts. The new definition and the registry swap are applied at once in
// the cutover, the old column families are dropped afterwards. A reshard that
// fails before the cutover leaves the store on its old definition.
func (s *cabinStore) Reshard(text string, ctrl *store.ReshardingCtrl) (store.ReshardReport, error) {
	if err := s.checkOpen(); err != nil {
		return store.ReshardReport{}, err
	}
	if !s.resharding.CompareAndSwap(false, true) {
		return store.ReshardReport{}, store.ErrReshardInProgress
	}
	defer s.resharding.Store(false)

	r := &resharder{s: s, ctrl: normalizeCtrl(ctrl, s.opts.ReshardingCtrl)}
	report, err := r.run(text)
	if err != nil {
		reshardLogger.Errorf("reshard to %q failed: %v", text, err)
		return report, err
	}
	s.reshards.Inc()
	s.reshardKeys.Add(int(report.KeysMoved))
	s.reshardBytes.Add(int(report.BytesMoved))
	reshardLogger.Infof("resharded to %q: %d keys (%d bytes) moved in %d batches",
		text, report.KeysMoved, report.BytesMoved, report.Batches)
	return report, nil
}

func (r *resharder) run(text string) (store.ReshardReport, error) {
	s := r.s
	current := s.reg.definition()

	next, err := shard.ParseDefinition(text)
	if err != nil {
		return r.report, err
	}
	if err := next.Validate(); err != nil {
		return r.report, err
	}

	// leftovers of an earlier failed reshard may use the generations assigned below
	if err := s.dropOrphans(current); err != nil {
		return r.report, err
	}

	changes := planChanges(current, next)
	r.report.Changes = changes

	if err := r.prepare(changes); err != nil {
		r.abort()
		return r.report, err
	}
	for _, m := range r.migrated {
		if err := r.copyPrefix(m); err != nil {
			r.abort()
			return r.report, err
		}
	}
	if r.ctrl.UnittestFailAfterSuccessfulProcessing {
		r.abort()
		return r.report, errors.Wrap(store.ErrInjectedFailure, "after successful processing")
	}

	obsolete, err := r.cutover(next, changes)
	if err != nil {
		r.abort()
		return r.report, err
	}
	for _, cf := range obsolete {
		if err := s.eng.DropColumnFamily(cf); err != nil {
			// an orphan only costs space, the next open or reshard drops it
			reshardLogger.Warningf("failed to drop column family %q: %v", cf.Name(), err)
		}
	}
	return r.report, nil
}

// planChanges diffs current and next and assigns the generations of next.
// A resharded prefix gets new column families, an unchanged one keeps them.
func planChanges(current, next *shard.Definition) []shard.Change {
	changes := shard.Diff(current, next)
	for i := range changes {
		c := &changes[i]
		switch c.Kind {
		case shard.Unchanged:
			c.New.Generation = c.Old.Generation
		case shard.Resharded:
			c.New.Generation = c.Old.Generation + 1
		case shard.Added:
			c.New.Generation = 0
		}
	}
	return changes
}

// prepare creates the target column families and starts the dual writes
func (r *resharder) prepare(changes []shard.Change) error {
	s := r.s
	for i := range changes {
		c := changes[i]
		if !c.NeedsMigration() {
			continue
		}
		m := &migration{change: c, migrationState: &migrationState{cmp: s.keys, source: s.reg.route(c.Prefix)}}
		if c.Kind == shard.Dropped {
			m.target = s.reg.unsharded
		} else {
			rec, err := s.columnFamiliesOf(c.New, true)
			if err != nil {
				return err
			}
			m.target = rec
		}
		r.migrated = append(r.migrated, m)

		s.gate.Lock()
		err := func() error {
			if c.Kind == shard.Dropped {
				// keys of the prefix left in the default column family are stale
				if err := r.deletePrefix(s.reg.defaultCF, c.Prefix); err != nil {
					return err
				}
			}
			s.reg.beginMigration(c.Prefix, m.migrationState)
			return nil
		}()
		s.gate.Unlock()
		if err != nil {
			return err
		}
		reshardLogger.Infof("migrating prefix %q (%s): %s", c.Prefix, c.Kind, m.target.entry.String())
	}
	return nil
}

// copyPrefix copies every key of m's prefix into the target layout
func (r *resharder) copyPrefix(m *migration) error {
	lower, upper := shard.PrefixRange(m.change.Prefix)
	for i, src := range m.source.handles {
		cursor := lower
		for cursor != nil {
			var err error
			if cursor, err = r.copyChunk(m, i, cursor, upper); err != nil {
				return err
			}
		}
		if r.ctrl.UnittestFailAfterProcessingColumn && !r.failCol {
			r.failCol = true
			return errors.Wrapf(store.ErrInjectedFailure, "after processing column family %q", src.Name())
		}
	}
	return nil
}

// copyChunk copies the keys of source column family idx in [cursor, upper) until
// an iterator bound is reached. It returns the cursor of the next chunk, nil once
// the column family is exhausted. The gate is held exclusively, so no transaction
// changes the source meanwhile.
func (r *resharder) copyChunk(m *migration, idx int, cursor, upper []byte) ([]byte, error) {
	s := r.s
	s.gate.Lock()
	defer s.gate.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	src := m.source.handles[idx]

	it, err := s.eng.NewIterator(src, &engine.IterOptions{LowerBound: cursor, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	b := s.eng.NewBatch()
	defer func() { _ = b.Close() }()
	var keys, bytes, batchKeys, batchBytes int
	flush := func() error {
		if batchKeys == 0 {
			return nil
		}
		if err := s.eng.Write(b, false); err != nil {
			return errors.Wrap(err, "write reshard batch")
		}
		b = s.eng.NewBatch()
		r.batches++
		r.report.Batches++
		batchKeys, batchBytes = 0, 0
		if r.ctrl.UnittestFailAfterFirstBatch && r.batches == 1 {
			return errors.Wrap(store.ErrInjectedFailure, "after first batch")
		}
		return nil
	}

	var next []byte
	for valid := it.First(); valid; valid = it.Next() {
		if keys >= r.ctrl.KeysPerIterator || bytes >= r.ctrl.BytesPerIterator {
			// the next chunk starts at the first key not copied
			next = clone(it.Key())
			break
		}
		_, key, _ := shard.SplitKey(it.Key())
		value := it.Value()
		if err := b.Set(m.target.handle(key), it.Key(), value); err != nil {
			return nil, err
		}
		n := len(it.Key()) + len(value)
		keys++
		bytes += n
		batchKeys++
		batchBytes += n
		r.report.KeysMoved++
		r.report.BytesMoved += uint64(n)

		if batchKeys >= r.ctrl.KeysPerBatch || batchBytes >= r.ctrl.BytesPerBatch {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	m.advance(idx, next)
	return next, nil
}

// cutover persists next and swaps the registry. It returns the column families
// that are no longer referenced.
func (r *resharder) cutover(next *shard.Definition, changes []shard.Change) ([]engine.ColumnFamily, error) {
	s := r.s
	encoded, err := next.Encode()
	if err != nil {
		return nil, err
	}

	s.gate.Lock()
	defer s.gate.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	s.reg.beginCutover()
	defer s.reg.endCutover()

	b := s.eng.NewBatch()
	defer func() { _ = b.Close() }()
	if err := b.PutMeta(definitionKey, encoded); err != nil {
		return nil, err
	}
	for _, c := range changes {
		if c.Kind == shard.Added {
			// the prefix now lives in its own column families
			lower, upper := shard.PrefixRange(c.Prefix)
			if err := b.DeleteRange(s.reg.defaultCF, lower, upper); err != nil {
				return nil, err
			}
		}
	}
	if err := s.eng.Write(b, true); err != nil {
		return nil, errors.Wrap(err, "write cutover")
	}

	var obsolete []engine.ColumnFamily
	for _, m := range r.migrated {
		if m.change.Kind == shard.Dropped {
			s.reg.remove(m.change.Prefix)
		} else {
			s.reg.install(m.target)
		}
		if m.change.Kind != shard.Added {
			obsolete = append(obsolete, m.source.handles...)
		}
	}
	for _, c := range changes {
		if c.Kind == shard.Unchanged {
			old := s.reg.route(c.Prefix)
			s.reg.install(&shardRecord{entry: *c.New, handles: old.handles})
		}
	}
	s.reg.endMigrations()
	s.reg.setDefinition(next)
	r.migrated = nil
	return obsolete, nil
}

// abort stops the dual writes of a failed reshard. Created column families stay
// behind as orphans and are dropped by the next open or reshard.
func (r *resharder) abort() {
	s := r.s
	s.gate.Lock()
	defer s.gate.Unlock()
	s.reg.endMigrations()
	if s.closed.Load() {
		return
	}
	for _, m := range r.migrated {
		if m.change.Kind != shard.Dropped {
			continue
		}
		// copied and dual written keys in the default column family are stale
		if err := r.deletePrefix(s.reg.defaultCF, m.change.Prefix); err != nil {
			reshardLogger.Warningf("failed to remove copied keys of prefix %q: %v", m.change.Prefix, err)
		}
	}
}

// deletePrefix removes every key of prefix from cf. The caller holds the gate.
func (r *resharder) deletePrefix(cf engine.ColumnFamily, prefix string) error {
	lower, upper := shard.PrefixRange(prefix)
	b := r.s.eng.NewBatch()
	defer func() { _ = b.Close() }()
	if err := b.DeleteRange(cf, lower, upper); err != nil {
		return err
	}
	return r.s.eng.Write(b, false)
}
