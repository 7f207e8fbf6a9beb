// Package pebbledb implements engine.Engine on top of a single pebble database.
//
// Pebble has no native column families, so they are emulated: every engine key
// starts with the 4 byte big endian id of the column family it belongs to. Id 0
// is reserved for the system keyspace which holds
//   - the column family catalog (cf/<name> -> id and options)
//   - the id counter (ids are handed out monotonically and never reused)
//   - the metadata keyspace exposed through GetMeta/PutMeta (meta/<key>)
//
// Dropping a column family range deletes its id span and removes the catalog
// entry in one synced batch. Handles of dropped families fail with
// engine.ErrColumnFamilyDropped.
//
// Merge operands are routed through a pebble merger with a fixed name, so the
// configured engine.MergeOperator can change between restarts. Operands are
// folded oldest first.
package pebbledb
