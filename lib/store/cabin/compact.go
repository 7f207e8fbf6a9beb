package cabin

import (
	"github.com/ValentinKolb/cabinkv/lib/engine"
	"github.com/ValentinKolb/cabinkv/lib/shard"
	"github.com/cockroachdb/errors"
)

// compactRange compacts the physical range [start, end) in every authoritative
// column family. It is the compactor of the coordinator.
func (s *cabinStore) compactRange(start, end []byte) error {
	var err error
	for _, cf := range s.reg.columnFamilies() {
		cerr := s.eng.CompactRange(cf, start, end)
		if errors.Is(cerr, engine.ErrColumnFamilyDropped) {
			// dropped by a reshard cutover, the data is gone anyway
			continue
		}
		err = errors.CombineErrors(err, cerr)
	}
	return err
}

// physicalRange converts [start, end) of prefix to physical keys
func physicalRange(prefix string, start, end []byte) ([]byte, []byte) {
	lower := shard.CombineStrings(prefix, start)
	if end == nil {
		_, upper := shard.PrefixRange(prefix)
		return lower, upper
	}
	return lower, shard.CombineStrings(prefix, end)
}

func (s *cabinStore) CompactRangeAsync(prefix string, start, end []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validatePrefix(prefix); err != nil {
		return err
	}
	lower, upper := physicalRange(prefix, start, end)
	return s.compactor.CompactRangeAsync(lower, upper)
}

func (s *cabinStore) CompactPrefixAsync(prefix string) error {
	return s.CompactRangeAsync(prefix, nil, nil)
}

func (s *cabinStore) Compact() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.eng.CompactRange(nil, nil, nil)
}

func (s *cabinStore) CompactPrefix(prefix string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := validatePrefix(prefix); err != nil {
		return err
	}
	lower, upper := shard.PrefixRange(prefix)
	return s.compactRange(lower, upper)
}
