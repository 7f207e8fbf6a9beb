package engine

import (
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplPebble Implementation = "pebble"
)

// DefaultColumnFamilyName is the name of the column family that always exists.
const DefaultColumnFamilyName = "default"

// Feature represents engine features as bit flags
type Feature uint64

const (
	FeatureMerge        Feature = 1 << iota // Support for Merge operations
	FeatureSingleDelete                     // Support for SingleDelete operations
	FeatureDeleteRange                      // Support for DeleteRange operations
	FeatureSnapshots                        // Support for point-in-time snapshots
	FeatureCompactRange                     // Support for manual range compaction
)

func (f Feature) String() string {
	switch f {
	case FeatureMerge:
		return "Merge"
	case FeatureSingleDelete:
		return "SingleDelete"
	case FeatureDeleteRange:
		return "DeleteRange"
	case FeatureSnapshots:
		return "Snapshots"
	case FeatureCompactRange:
		return "CompactRange"
	default:
		return "Unknown"
	}
}

type ColumnFamilyInfo struct {
	ID      uint32            `json:"id"`
	Name    string            `json:"name"`
	Options map[string]string `json:"options,omitempty"`
}

type EngineInfo struct {
	DiskSpaceUsage    uint64             `json:"disk_space_usage"`
	Impl              Implementation     `json:"impl"`
	SupportedFeatures []Feature          `json:"supported_features"`
	ColumnFamilies    []ColumnFamilyInfo `json:"column_families"`
	Metadata          interface{}        `json:"metadata"`
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	ErrClosed               = errors.New("engine: closed")
	ErrColumnFamilyExists   = errors.New("engine: column family already exists")
	ErrColumnFamilyNotFound = errors.New("engine: column family not found")
	ErrColumnFamilyDropped  = errors.New("engine: column family dropped")
	ErrInvalidRange         = errors.New("engine: invalid key range")
)

// --------------------------------------------------------------------------
// Engine Interface
// --------------------------------------------------------------------------

// ColumnFamily is a handle to an isolated keyspace of the engine.
// The id of a column family is stable for its lifetime and never reused.
type ColumnFamily interface {
	ID() uint32
	Name() string
}

// MergeOperator combines merge operands with the existing value of a key.
// Implementations must be associative: the engine may merge operands with each
// other before the base value is known.
type MergeOperator interface {
	// Name identifies the operator. It is persisted by some engines and must not change.
	Name() string

	// Merge folds operand into existing. existing is nil if the key has no value yet.
	Merge(key, existing, operand []byte) ([]byte, error)
}

// IterOptions bounds an iterator. LowerBound is inclusive, UpperBound exclusive.
// A nil bound means the iterator is unbounded on that side.
type IterOptions struct {
	LowerBound []byte
	UpperBound []byte
}

// Iterator iterates over the keys of one column family in key order.
// Positioning methods return whether the iterator is valid afterwards.
// Key and Value remain valid only until the next positioning call.
type Iterator interface {
	First() bool
	Last() bool
	SeekGE(key []byte) bool
	SeekLT(key []byte) bool
	Next() bool
	Prev() bool
	Valid() bool
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// Reader is implemented by the engine itself and by snapshots.
type Reader interface {
	// Get returns a copy of the value of key. The boolean reports whether the key exists.
	Get(cf ColumnFamily, key []byte) (value []byte, found bool, err error)

	// NewIterator opens an iterator over cf.
	NewIterator(cf ColumnFamily, opts *IterOptions) (Iterator, error)
}

// Snapshot is an immutable point-in-time view of the engine.
type Snapshot interface {
	Reader
	Close() error
}

// Batch collects writes spanning any number of column families.
// A batch is applied atomically with Engine.Write.
type Batch interface {
	Set(cf ColumnFamily, key, value []byte) error
	Delete(cf ColumnFamily, key []byte) error

	// SingleDelete removes a key that was set at most once and never merged.
	SingleDelete(cf ColumnFamily, key []byte) error

	// DeleteRange removes all keys in [start, end). A nil end means the end of cf.
	DeleteRange(cf ColumnFamily, start, end []byte) error
	Merge(cf ColumnFamily, key, value []byte) error

	// PutMeta writes a key of the reserved metadata keyspace as part of the batch.
	PutMeta(key, value []byte) error

	// Count returns the number of operations in the batch.
	Count() int

	// Len returns the encoded size of the batch in bytes.
	Len() int
	Close() error
}

// Engine defines the embedded ordered key-value engine consumed by the store.
// The engine is trusted: it owns durability, memtables, compaction and caching.
//
// Thread-safety: all methods must be safe for concurrent use. Iterators, batches and
// snapshots are owned by one goroutine.
type Engine interface {
	Reader

	// --------------------------------------------------------------------------
	// Column Families
	// --------------------------------------------------------------------------

	// CreateColumnFamily creates a new column family. It fails with
	// ErrColumnFamilyExists if a column family with this name is live.
	CreateColumnFamily(name string, options map[string]string) (ColumnFamily, error)

	// DropColumnFamily drops cf and all of its data. Using the handle afterwards
	// fails with ErrColumnFamilyDropped.
	DropColumnFamily(cf ColumnFamily) error

	// ColumnFamily returns the live column family with the given name.
	ColumnFamily(name string) (ColumnFamily, bool)

	// ColumnFamilies lists all live column families ordered by id.
	ColumnFamilies() []ColumnFamily

	// DefaultColumnFamily returns the column family that always exists.
	DefaultColumnFamily() ColumnFamily

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	Put(cf ColumnFamily, key, value []byte, sync bool) error
	Delete(cf ColumnFamily, key []byte, sync bool) error
	Merge(cf ColumnFamily, key, value []byte, sync bool) error

	// NewBatch creates an empty batch.
	NewBatch() Batch

	// Write applies b atomically: either every operation is applied or none is.
	// With sync the call returns once the batch is durable. The batch cannot be reused.
	Write(b Batch, sync bool) error

	// --------------------------------------------------------------------------
	// Reads, Snapshots and Maintenance
	// --------------------------------------------------------------------------

	// NewSnapshot pins the current state of the engine.
	NewSnapshot() (Snapshot, error)

	// CompactRange compacts [start, end) of cf. nil bounds extend to the edge of cf.
	// The call blocks until the compaction finished.
	CompactRange(cf ColumnFamily, start, end []byte) error

	// --------------------------------------------------------------------------
	// Metadata
	// --------------------------------------------------------------------------

	GetMeta(key []byte) (value []byte, found bool, err error)
	PutMeta(key, value []byte) error
	DeleteMeta(key []byte) error

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the engine supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// Info returns information about the engine.
	Info() (info EngineInfo)

	// Close closes the engine. Open iterators and snapshots must be closed first.
	Close() (err error)
}
