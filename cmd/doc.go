// Package cmd implements the command-line interface of cabinkv. The commands
// open the store in --data-dir directly, there is no server.
//
// The package is organized into several subpackages:
//
//   - kv: Commands for key-value operations (set, get, rm, rm-prefix, scan, ...)
//   - admin: Commands for resharding, compaction and inspection
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See cabinkv -help for a list of all commands.
package cmd
