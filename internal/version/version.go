package version

import (
	"fmt"
	"runtime"
)

// Product names the project in user agents and application identifiers.
const Product = "fabric-provisioner"

var (
	// Version is the semantic version of the build. It can be overridden via ldflags.
	Version = "0.1.0"
	// Commit is the short git SHA embedded at build time (or "none").
	Commit = "none"
	// BuildTime is the UTC build timestamp embedded at build time.
	BuildTime = "unknown"
)

// Info is the build metadata of one binary.
type Info struct {
	Binary    string `yaml:"binary"`
	Version   string `yaml:"version"`
	Commit    string `yaml:"commit"`
	BuildTime string `yaml:"buildTime"`
	GoVersion string `yaml:"goVersion"`
	Platform  string `yaml:"platform"`
}

// Get returns the build metadata of binary.
func Get(binary string) Info {
	return Info{
		Binary:    binary,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Short returns only the semantic version string.
func Short() string {
	return Version
}

// Full returns a human-readable version string with commit and build time.
func Full() string {
	return fmt.Sprintf("version: %s, commit: %s, built at: %s", Version, Commit, BuildTime)
}

// UserAgent identifies binary to the provisioning server.
func UserAgent(binary string) string {
	return fmt.Sprintf("%s/%s (%s)", binary, Version, Commit)
}

// AppID is the application identifier reported to the S3 API.
func AppID() string {
	return Product + "-" + Version
}
