package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/fabric-provisioner/internal/domain/cluster"
	"github.com/oshokin/fabric-provisioner/internal/domain/fabric"
	"github.com/oshokin/fabric-provisioner/internal/fsutil"
)

// VersionFile names the file carrying the product version inside a code-package folder.
const VersionFile = "fabric.version"

// ErrHostSettings marks failures to apply settings on the node.
var ErrHostSettings = errors.New("unable to update host settings")

var (
	errNoVersion       = errors.New("code artifact carries no product version")
	errMalformedVersion = errors.New("product version must have four numeric parts")

	// installerName matches "<Product>.<a.b.c.d>.<ext>".
	installerName = regexp.MustCompile(`^[A-Za-z][\w-]*\.(\d+\.\d+\.\d+\.\d+)\.[A-Za-z0-9]+$`)
	codeVersion   = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)
)

// Inspector reads and checks a downloaded code artifact.
type Inspector interface {
	// Version returns the artifact's embedded product version.
	Version(path string) (string, error)
	// Validate checks the artifact's format.
	Validate(path string) error
}

// SignatureVerifier checks a code artifact's signature.
type SignatureVerifier interface {
	Verify(ctx context.Context, path string) error
}

// HostSettings applies the effective cluster settings on this node.
type HostSettings interface {
	Apply(ctx context.Context, version fabric.Version, settings cluster.SettingsMap) error
}

// FileInspector understands installers named "<Product>.<a.b.c.d>.<ext>" and
// code-package folders carrying a fabric.version file.
type FileInspector struct{}

// Version implements Inspector.
func (FileInspector) Version(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}

	if !info.IsDir() {
		match := installerName.FindStringSubmatch(filepath.Base(path))
		if match == nil {
			return "", fmt.Errorf("%w: %s", errNoVersion, filepath.Base(path))
		}

		return match[1], nil
	}

	data, err := os.ReadFile(filepath.Join(path, VersionFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s is missing", errNoVersion, VersionFile)
	}

	if err != nil {
		return "", err
	}

	version := strings.TrimSpace(string(data))
	if !codeVersion.MatchString(version) {
		return "", fmt.Errorf("%w: %q", errMalformedVersion, version)
	}

	return version, nil
}

// Validate implements Inspector.
func (i FileInspector) Validate(path string) error {
	_, err := i.Version(path)

	return err
}

// AcceptAll is a SignatureVerifier for deployments that verify signatures elsewhere.
type AcceptAll struct{}

// Verify implements SignatureVerifier.
func (AcceptAll) Verify(context.Context, string) error {
	return nil
}

// FileHostSettings writes the effective settings to a YAML file. An empty path disables it.
type FileHostSettings struct {
	Path string
}

type hostSettingsDocument struct {
	Version        fabric.Version    `yaml:"version"`
	FabricSettings []cluster.Section `yaml:"fabricSettings"`
}

// Apply implements HostSettings.
func (h FileHostSettings) Apply(_ context.Context, version fabric.Version, settings cluster.SettingsMap) error {
	if h.Path == "" {
		return nil
	}

	data, err := yaml.Marshal(hostSettingsDocument{Version: version, FabricSettings: settings.Sections()})
	if err != nil {
		return err
	}

	return fsutil.AtomicWrite(h.Path, data, fsutil.FileMode)
}
