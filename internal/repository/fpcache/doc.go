// Package fpcache caches package fingerprints in an embedded badger database.
//
// Hashing large code packages dominates build time. Entries are keyed by a
// stat signature of the tree (paths, sizes, modes, modification times), so a
// rebuild of an untouched layout skips re-hashing while any edit misses.
package fpcache
