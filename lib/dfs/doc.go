// Package dfs reconciles a local working directory with a durable remote
// checkpoint store, one version at a time.
//
// The package focuses on:
//   - Uploading the immutable file set of a committed version, reusing
//     remote copies of engine data files that an earlier version already
//     uploaded (deduplicated by local name and size)
//   - Downloading exactly the file set of a requested version, deleting
//     local leftovers from other versions, and failing loudly on any
//     reconciliation mismatch instead of falling back to stale data
//   - Retention-based cleanup that garbage-collects remote files no longer
//     referenced by any retained version
//
// The metadata record of a version is written last and moved into place in
// one step: a crash mid-commit leaves no trace of the new version, and the
// previous version stays fully loadable.
//
// Both sides of the transfer are afero filesystems, so tests run against
// in-memory filesystems and production wires the OS filesystem or any
// afero-backed remote.
package dfs
