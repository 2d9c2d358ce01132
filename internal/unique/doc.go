// Package unique removes duplicates from a stream of fixed-size keys that
// may not fit in memory, returning the distinct keys in ascending order,
// optionally with the number of times each was seen.
//
// Layers:
//   - Tree: distinct keys in memory (a B-tree with per-key counters),
//     bounded by a memory budget
//   - Runs: when the tree is full it is flushed, in order, to a scratch
//     file as one sorted duplicate-free run
//   - Merge: runs are combined with a heap-driven k-way merge over a single
//     shared buffer; equal keys from different runs are coalesced and their
//     counters summed
//
// Consuming results:
//   - Walk streams every distinct key to a visitor, merging runs on the fly
//   - Get materializes the distinct keys, in memory when nothing was
//     spilled, otherwise as one merged run on disk
//   - Merge compacts runs explicitly; with withoutLastMerge it only lowers
//     the run count and the engine keeps accepting keys
//
// Counting mode (MinDupCount > 0) stores an 8-byte counter with every
// spilled key. Intersect mode (MinDupCount > 1) additionally drops keys seen
// fewer than MinDupCount times, counting them in FilteredOut.
//
// A Unique is not safe for concurrent use. After Walk, Get or a final Merge
// it must be Reset before new keys are added.
package unique
