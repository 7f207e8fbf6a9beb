package pebbledb

import (
	"io"

	"github.com/ValentinKolb/cabinkv/lib/engine"
	"github.com/cockroachdb/pebble"
)

// concatOperator appends operands to the existing value. It is used when no
// merge operator is configured.
type concatOperator struct{}

func (concatOperator) Name() string { return "concat" }

func (concatOperator) Merge(_, existing, operand []byte) ([]byte, error) {
	out := make([]byte, 0, len(existing)+len(operand))
	out = append(out, existing...)
	return append(out, operand...), nil
}

// newMerger bridges an engine.MergeOperator to pebble. The pebble merger name is
// fixed so that swapping operators does not invalidate existing databases.
func newMerger(op engine.MergeOperator) *pebble.Merger {
	if op == nil {
		op = concatOperator{}
	}
	return &pebble.Merger{
		Name: mergerName,
		Merge: func(key, value []byte) (pebble.ValueMerger, error) {
			userKey := key
			if len(userKey) >= cfPrefixLen {
				userKey = userKey[cfPrefixLen:]
			}
			return &valueMerger{
				op:       op,
				key:      clone(userKey),
				operands: [][]byte{clone(value)},
			}, nil
		},
	}
}

// valueMerger collects operands oldest first and folds them on Finish.
// Folding starts at the oldest value, so a base value (if any) is folded first.
type valueMerger struct {
	op       engine.MergeOperator
	key      []byte
	operands [][]byte
}

func (m *valueMerger) MergeNewer(value []byte) error {
	m.operands = append(m.operands, clone(value))
	return nil
}

func (m *valueMerger) MergeOlder(value []byte) error {
	m.operands = append([][]byte{clone(value)}, m.operands...)
	return nil
}

func (m *valueMerger) Finish(_ bool) ([]byte, io.Closer, error) {
	acc := m.operands[0]
	for _, operand := range m.operands[1:] {
		var err error
		if acc, err = m.op.Merge(m.key, acc, operand); err != nil {
			return nil, nil, err
		}
	}
	return acc, nil, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
