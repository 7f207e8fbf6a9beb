package cabin

import (
	"encoding/binary"

	"github.com/ValentinKolb/cabinkv/lib/engine"
	"github.com/ValentinKolb/cabinkv/lib/shard"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Built-in Merge Operators
// --------------------------------------------------------------------------

// Uint64AddOperator adds little endian uint64 operands, wrapping on overflow.
// A missing value counts as 0.
type Uint64AddOperator struct{}

func (Uint64AddOperator) Name() string { return "uint64add" }

func (Uint64AddOperator) Merge(key, existing, operand []byte) ([]byte, error) {
	if len(operand) != 8 {
		return nil, errors.Newf("uint64add: operand for key %q has %d bytes, want 8", key, len(operand))
	}
	var base uint64
	switch len(existing) {
	case 0:
	case 8:
		base = binary.LittleEndian.Uint64(existing)
	default:
		return nil, errors.Newf("uint64add: value of key %q has %d bytes, want 8", key, len(existing))
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, base+binary.LittleEndian.Uint64(operand))
	return out, nil
}

// EncodeUint64 encodes v as an operand of Uint64AddOperator
func EncodeUint64(v uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v)
	return out
}

// ConcatOperator appends operands to the existing value.
type ConcatOperator struct{}

func (ConcatOperator) Name() string { return "concat" }

func (ConcatOperator) Merge(_, existing, operand []byte) ([]byte, error) {
	out := make([]byte, 0, len(existing)+len(operand))
	out = append(out, existing...)
	return append(out, operand...), nil
}

// --------------------------------------------------------------------------
// Prefix Router
// --------------------------------------------------------------------------

// mergeRouter dispatches merges to the operator registered for the prefix of the
// physical key. The engine sees a single operator.
type mergeRouter struct {
	operators map[string]engine.MergeOperator
}

func newMergeRouter(operators map[string]engine.MergeOperator) *mergeRouter {
	m := &mergeRouter{operators: make(map[string]engine.MergeOperator, len(operators))}
	for prefix, op := range operators {
		m.operators[prefix] = op
	}
	return m
}

func (m *mergeRouter) Name() string { return "cabinkv.merge_router" }

// supports reports whether merges on prefix are possible
func (m *mergeRouter) supports(prefix string) bool {
	_, ok := m.operators[prefix]
	return ok
}

func (m *mergeRouter) Merge(key, existing, operand []byte) ([]byte, error) {
	prefix, userKey, ok := shard.SplitKey(key)
	if !ok {
		return nil, errors.AssertionFailedf("merge on key %q without prefix", key)
	}
	op, ok := m.operators[prefix]
	if !ok {
		return nil, errors.Newf("no merge operator registered for prefix %q", prefix)
	}
	return op.Merge(userKey, existing, operand)
}
