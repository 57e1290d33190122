// Package cmd implements the command-line interface for vKV. It provides
// inspection and maintenance operations against a checkpoint directory
// without going through a running store instance.
//
// The package is organized into subpackages:
//
//   - checkpoint: Commands for inspecting and cleaning checkpoint versions
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See vkv -help for a list of all commands.
package cmd
