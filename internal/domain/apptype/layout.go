package apptype

import "path"

// StorePrefix is the root of built application types in the content store.
const StorePrefix = "Store"

// ChecksumSuffix is appended to a tag to name its recorded fingerprint.
const ChecksumSuffix = ".checksum"

// Root is the folder of all versions of one application type.
func Root(app string) string {
	return path.Join(StorePrefix, app)
}

// ApplicationManifestTag is the tag of one application manifest version.
func ApplicationManifestTag(app, version string) string {
	return path.Join(StorePrefix, app, "ApplicationManifest."+version+".yaml")
}

// ServiceManifestTag is the tag of one service manifest version.
func ServiceManifestTag(app, service, version string) string {
	return path.Join(StorePrefix, app, service+".Manifest."+version+".yaml")
}

// PackageTag is the tag of one package version.
func PackageTag(app, service, pkg, version string) string {
	return path.Join(StorePrefix, app, service+"."+pkg+"."+version)
}

// ChecksumTag names the fingerprint document of tag.
func ChecksumTag(tag string) string {
	return tag + ChecksumSuffix
}

// BackupTag is where tag is preserved while a build overwrites it.
func BackupTag(app, buildID, tag string) string {
	return path.Join(StorePrefix, app, ".backup", buildID, path.Base(tag))
}
