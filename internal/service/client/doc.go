// Package client runs provisionerctl commands against a provisioning server.
//
// Each command dials the server named in the configuration, identifies the
// caller by hostname and username, and retries while the server reports a
// retryable failure such as a held transfer marker.
package client
