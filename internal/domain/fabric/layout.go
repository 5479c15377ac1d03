package fabric

import "path"

// Store prefixes under the content store root.
const (
	// StagingPrefix holds raw published inputs.
	StagingPrefix = "Staging"
	// ReleasePrefix holds finalized, versioned artifacts.
	ReleasePrefix = "Release"
	// DistributionPrefix holds node-facing staged code.
	DistributionPrefix = "Distribution"
	// RegistryTag is the fabric version registry document.
	RegistryTag = ReleasePrefix + "/FabricVersions.yaml"
)

// CodeTag is the release tag of a code artifact. ext is the installer
// extension including the dot, empty for a code-package folder.
func CodeTag(codeVersion, ext string) string {
	return path.Join(ReleasePrefix, "Fabric."+codeVersion+ext)
}

// ClusterManifestTag is the release tag of a cluster manifest.
func ClusterManifestTag(configVersion string) string {
	return path.Join(ReleasePrefix, "ClusterManifest."+configVersion+".yaml")
}

// InfrastructureTag is the release tag of an infrastructure manifest.
func InfrastructureTag(configVersion string) string {
	return path.Join(ReleasePrefix, "InfrastructureManifest."+configVersion+".yaml")
}

// DistributionTag is where upgrade code is staged for nodes.
func DistributionTag(codeVersion string) string {
	return path.Join(DistributionPrefix, "Fabric."+codeVersion)
}
