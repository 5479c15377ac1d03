// Package apptype models application type manifests, package descriptors and
// their version-qualified layout under the store's Store/ prefix.
//
// A build layout looks like:
//
//	ApplicationManifest.yaml
//	<ServiceManifestName>/ServiceManifest.yaml
//	<ServiceManifestName>/<PackageName>/...
package apptype
