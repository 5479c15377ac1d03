// Package version exposes build metadata for the project.
//
// Variables Version, Commit, and BuildTime are injected at build time via
// Go ldflags. Short, Full and UserAgent render them for CLI output, logs and
// outgoing requests. Get collects them with the Go toolchain version for
// `version --yaml`.
package version
