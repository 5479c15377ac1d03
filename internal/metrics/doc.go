// Package metrics exposes Prometheus metrics for the content store, the
// package builder, the upgrade pipeline and the gRPC surface.
//
// Metrics live on a private registry served by Handler; a nil *Metrics is
// a valid no-op so libraries can be used without instrumentation.
package metrics
