// Package cluster parses cluster manifests and exposes their fabric settings
// overrides as a Settings Map.
package cluster
