// Package fsutil holds the filesystem primitives behind atomic publication:
// temp-file writes with fsync, rename-and-sync, whole-tree replacement that
// never exposes a half-written target, and context-aware tree copies.
package fsutil
