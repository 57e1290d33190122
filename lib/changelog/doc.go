// Package changelog implements incremental (changelog) checkpointing: each
// logical mutation of a version is appended to a per-version log file
// instead of materializing a full snapshot at every commit.
//
// A changelog file starts with a magic number, a format version, the store
// version it belongs to, and the compression codec of the record stream.
// Records carry the operation, column family, key and value. Files are
// immutable once the Writer commits them and are uploaded by the file
// manager exactly like engine data files.
//
// Replay applies a sequence of changelog files to an engine opened at the
// nearest snapshot, in log order: Put and Remove are last-write-wins,
// Merge is append-only and order-preserving across the whole replay, and
// column family creations are replayed before the family's first mutation.
package changelog
