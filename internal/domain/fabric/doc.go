// Package fabric defines fabric versions, their provisioning lifecycle and
// the release layout under the content store root.
package fabric
