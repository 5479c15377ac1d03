// Package provision resolves fabric versions from code and config artifacts,
// provisions them under the Release/ prefix and drives in-place upgrades.
//
// An upgrade validates the static settings of both cluster manifests before
// writing anything, runs under the ".ops/upgrade" operation lease, and
// compensates every completed step when a later one fails.
package provision
