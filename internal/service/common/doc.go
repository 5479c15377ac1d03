// Package common holds helpers shared by several services.
//
// It provides a gRPC client for the provisioning service with per-call
// timeouts and a helper detecting the current system actor (hostname/username)
// that the client attaches to calls for audit purposes.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
