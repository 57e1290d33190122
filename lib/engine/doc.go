// Package engine owns the embedded sorted key-value engine behind the
// state store. It provides byte-oriented CRUD and ordered iteration over
// one local working directory, with column-family-like namespacing
// implemented by reserved key prefixes.
//
// The package focuses on:
//   - A single Engine interface so the underlying engine stays a swappable
//     component (the shipped implementation is built on pebble)
//   - Ordered iteration, range scans and prefix scans that translate
//     logical bounds into engine byte ranges (O(log N + result size))
//   - Merge/append semantics for multi-valued column families via a custom
//     merge operator
//   - Checkpointing the live engine into an immutable file set that the
//     file manager can upload
//
// Column families are mapped to fixed-width two-byte prefixes. Prefix
// assignment is append-only and persisted inside the engine itself, so a
// reopened directory always sees the same mapping and never hands out a
// prefix twice.
//
// Engines are single-writer: mutating calls must be serialized by the
// caller (the version store's instance lock does this) and must not
// overlap with open iterators.
package engine
