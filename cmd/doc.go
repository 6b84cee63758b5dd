// Package cmd implements the command-line interface of the locktree module.
//
// The package is organized into several subpackages:
//
//   - bench: In-process performance tests of the locktree and the key lock manager
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Configuration is read from flags, from environment variables with the
// LOCKTREE_ prefix (e.g. LOCKTREE_MAX_LOCK_MEMORY=16MiB) and from .env files.
//
// See locktree -help for a list of all commands.
package cmd
