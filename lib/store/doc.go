// Package store defines the key-value interface of cabinkv together with its
// error system.
//
// Keys are addressed by a prefix and a user key. Every prefix is an independent
// ordered keyspace; a sharding definition decides how the keys of a prefix are
// spread over column families of the embedded engine.
//
// Key Components:
//
//   - KeyValueDB Interface: Transactions, point reads, prefix and whole space
//     iterators, compaction and online resharding. The only implementation is in
//     the "github.com/ValentinKolb/cabinkv/lib/store/cabin" package.
//
//   - Transaction: A log of logical operations applied atomically on submission.
//     A transaction can be submitted once.
//
//   - Error System: A structured error reporting mechanism using typed return
//     codes. Sentinel errors like ErrClosed or ErrCorruption are *Error values
//     and can be matched with errors.Is after wrapping.
//
//   - ReshardingCtrl: Bounds of the copy phase of a reshard and the failure
//     hooks used by tests.
package store
