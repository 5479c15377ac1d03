// Package transfer coordinates concurrent access to the content store.
//
// The Coordinator wraps a content.Backend: every write takes the transfer
// marker of its destination tag and keeps it renewed, reads are refused while
// a marker is live, and markers are released on every exit path. Hold takes
// an operation-level lease for multi-step critical sections such as upgrades.
package transfer
