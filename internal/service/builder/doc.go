// Package builder publishes application type versions from build layouts.
//
// Packages are fingerprinted in parallel. A package whose declared version
// already has a recorded fingerprint must reproduce it; otherwise the build
// fails with one Conflict listing every such package, or, when conflicts are
// ignored under the latest-wins policy, the new content replaces the old.
// Publication is all-or-nothing: the application manifest goes last and a
// failure restores every replaced tag from a per-build backup.
package builder
