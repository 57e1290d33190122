// Package store provides the public facade of the versioned state store:
// loading a committed version, mutating it, and committing the result as
// the next version, durably checkpointed to a remote store.
//
// The package focuses on:
//   - The Store type, coordinating the engine handle (lib/engine), the
//     changelog (lib/changelog) and the file manager (lib/dfs)
//   - A single-writer discipline per StoreId: the instance lock is held
//     from Load until Commit, Rollback or Close, with timeout-bounded
//     acquisition and holder diagnostics on contention
//   - Commit policy: full snapshots, or per-version changelogs with a
//     periodic snapshot to bound replay cost
//   - Background maintenance (retention cleanup, compaction) across all
//     instances of a process via Registry and MaintenanceScheduler
//
// Versions are immutable once committed; only the latest version of a
// chain may be extended. A failed commit leaves the prior version fully
// intact and loadable.
//
// Key and value bytes passed to the state access methods are opaque to the
// store; typed keys are produced by the codec package, and the store
// embeds the value format byte on the way in and strips it on the way out.
package store
