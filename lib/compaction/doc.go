// Package compaction coordinates background range compactions.
//
// A Coordinator owns a queue of key ranges and one goroutine draining it. The
// goroutine waits on a condition variable while the queue is empty, pops one
// range and calls the blocking Compactor without holding the lock.
//
// Coalescing: a new range that overlaps or touches ([a, b) and [b, c)) a queued
// range is merged into it, cascading over all queued ranges it reaches. Both a
// range fully contained in a queued one and a range widening a queued one count
// as a merge. A nil end is unbounded and overlaps every range starting after it.
//
// Errors returned by the Compactor are logged and counted, the loop continues.
// Close sets the stop flag and joins the goroutine: a running compaction
// finishes, queued ranges are discarded. Counters are exported through a
// VictoriaMetrics set.
package compaction
