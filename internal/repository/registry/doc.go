// Package registry records provisioned fabric versions and the current
// version in Release/FabricVersions.yaml inside the content store.
//
// Updates are read-modify-write cycles serialised by the ".ops/registry"
// operation lease, so several provisioner processes can share one store.
package registry
