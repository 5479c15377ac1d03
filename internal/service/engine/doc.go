// Package engine assembles the content store, the transfer coordinator, the
// package builder and the provisioning pipeline from configuration.
package engine
