package store

import (
	"fmt"

	"github.com/ValentinKolb/cabinkv/lib/compaction"
	"github.com/ValentinKolb/cabinkv/lib/engine"
	"github.com/ValentinKolb/cabinkv/lib/shard"
	"github.com/ValentinKolb/cabinkv/lib/util"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Transaction collects logical write operations. Nothing is visible before the
// transaction is submitted, then every operation applies or none does.
// A transaction is owned by its creator and consumed by its submission, whether
// the submission succeeded or not.
type Transaction interface {
	// Set inserts or updates a key of prefix.
	Set(prefix string, key, value []byte) error
	// RmKey removes a key of prefix.
	RmKey(prefix string, key []byte) error
	// RmSingleKey removes a key that was set at most once since its last removal
	// and never merged. For other keys the result is undefined.
	RmSingleKey(prefix string, key []byte) error
	// RmKeysByPrefix removes every key of prefix with one range delete per shard.
	RmKeysByPrefix(prefix string) error
	// RmRangeKeys removes the keys of prefix in [start, end). A nil end means the end of prefix.
	RmRangeKeys(prefix string, start, end []byte) error
	// Merge applies the merge operator registered for prefix.
	Merge(prefix string, key, value []byte) error
	// Count returns the number of operations added so far.
	Count() int
}

// Iterator iterates the keys of one prefix in order across all of its shards.
// All positioning methods return whether the iterator is valid afterwards.
type Iterator interface {
	SeekToFirst() bool
	SeekToLast() bool
	// LowerBound positions at the first key >= to.
	LowerBound(to []byte) bool
	// UpperBound positions at the first key > after.
	UpperBound(after []byte) bool
	Next() bool
	Prev() bool
	Valid() bool
	// Key returns the user key. It is valid until the next positioning call.
	Key() []byte
	// Value returns the value. It is valid until the next positioning call.
	Value() []byte
	// Status returns the first error of any shard, or a corruption error.
	Status() error
	Close() error
}

// WholeSpaceIterator iterates all keys of all prefixes, ordered by physical key.
// An empty prefix positions relative to the whole keyspace.
type WholeSpaceIterator interface {
	SeekToFirst(prefix string) bool
	SeekToLast(prefix string) bool
	LowerBound(prefix string, to []byte) bool
	UpperBound(prefix string, after []byte) bool
	Next() bool
	Prev() bool
	Valid() bool
	// RawKey returns the prefix and the user key of the current entry.
	RawKey() (prefix string, key []byte)
	Key() []byte
	Value() []byte
	Status() error
	Close() error
}

// KeyValueDB is a key-value store partitioning each prefix over column family
// shards of an embedded engine.
//
// Thread-safety: all methods are safe for concurrent use. Transactions and
// iterators are owned by one goroutine.
type KeyValueDB interface {
	// GetTransaction returns an empty transaction.
	GetTransaction() Transaction
	// SubmitTransaction applies tx atomically and returns once it is queued for write.
	SubmitTransaction(tx Transaction) error
	// SubmitTransactionSync applies tx atomically and returns once it is durable.
	SubmitTransactionSync(tx Transaction) error

	// Get returns the value of a key. The boolean reports whether the key exists.
	Get(prefix string, key []byte) (value []byte, found bool, err error)
	// GetIterator opens a point-in-time iterator over prefix.
	GetIterator(prefix string) (Iterator, error)
	// GetWholeSpaceIterator opens a point-in-time iterator over every prefix.
	GetWholeSpaceIterator() (WholeSpaceIterator, error)

	// CompactRangeAsync queues a compaction of [start, end) of prefix. A nil end
	// means the end of prefix.
	CompactRangeAsync(prefix string, start, end []byte) error
	// CompactPrefixAsync queues a compaction of every key of prefix.
	CompactPrefixAsync(prefix string) error
	// Compact compacts the whole store on the calling goroutine.
	Compact() error
	// CompactPrefix compacts prefix on the calling goroutine.
	CompactPrefix(prefix string) error

	// Reshard migrates the store to the sharding definition in text, written in
	// the sharding DSL. Reads and writes continue while data is copied. A nil
	// ctrl uses the bounds of the store options.
	Reshard(text string, ctrl *ReshardingCtrl) (ReshardReport, error)
	// ShardingDefinition returns the active sharding definition.
	ShardingDefinition() *shard.Definition

	// GetInfo returns information about the store. Per shard key counts are
	// computed with a scan and are expensive for large stores.
	GetInfo() (info Info, err error)

	Close() error
}

// --------------------------------------------------------------------------
// Resharding
// --------------------------------------------------------------------------

// ReshardingCtrl bounds the work of one reshard step. Zero values use the defaults.
type ReshardingCtrl struct {
	BytesPerIterator int // bytes read before the source iterator is re-opened
	KeysPerIterator  int // keys read before the source iterator is re-opened
	BytesPerBatch    int // bytes after which a batch is flushed
	KeysPerBatch     int // keys after which a batch is flushed

	// test hooks, each aborts the reshard with ErrInjectedFailure
	UnittestFailAfterFirstBatch           bool
	UnittestFailAfterProcessingColumn     bool
	UnittestFailAfterSuccessfulProcessing bool
}

// DefaultReshardingCtrl returns the default bounds
func DefaultReshardingCtrl() *ReshardingCtrl {
	return &ReshardingCtrl{
		BytesPerIterator: 10 << 20,
		KeysPerIterator:  10000,
		BytesPerBatch:    1 << 20,
		KeysPerBatch:     1000,
	}
}

// ReshardReport summarizes a reshard
type ReshardReport struct {
	Changes    []shard.Change
	KeysMoved  uint64
	BytesMoved uint64
	Batches    uint64
}

// --------------------------------------------------------------------------
// Info
// --------------------------------------------------------------------------

// PrefixInfo describes the layout of one prefix
type PrefixInfo struct {
	Prefix         string            `json:"prefix"`
	Layout         string            `json:"layout"`
	ColumnFamilies []string          `json:"column_families"`
	Keys           []uint64          `json:"keys"`
	Distribution   util.Distribution `json:"distribution"`
}

// Info is returned by KeyValueDB.GetInfo
type Info struct {
	Definition  string            `json:"definition"`
	HashVersion string            `json:"hash_version"`
	Prefixes    []PrefixInfo      `json:"prefixes"`
	DefaultKeys uint64            `json:"default_keys"`
	Migrating   []string          `json:"migrating,omitempty"`
	Compaction  compaction.Stats  `json:"compaction"`
	Engine      engine.EngineInfo `json:"engine"`
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("KVStoreError (code %s): %s", e.Code, e.Msg)
}

// NewError creates a new KVStoreError with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

var (
	ErrClosed              = NewError(RetCClosed, "store is closed")
	ErrTransactionConsumed = NewError(RetCInvalidOperation, "transaction was already submitted")
	ErrForeignTransaction  = NewError(RetCInvalidOperation, "transaction belongs to another store")
	ErrInvalidPrefix       = NewError(RetCInvalidOperation, "invalid prefix")
	ErrCorruption          = NewError(RetCCorruption, "key found in more than one shard")
	ErrReshardInProgress   = NewError(RetCInvalidOperation, "a reshard is already running")
	ErrInjectedFailure     = NewError(RetCInternalError, "injected failure")
)

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by underlying engine.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCCorruption                          // 4: Stored data violates the shard layout.
	RetCClosed                              // 5: The store was closed.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCCorruption:
		return "Corruption"
	case RetCClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
