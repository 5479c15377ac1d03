package apptype

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
)

// Manifest file names inside a build layout.
const (
	ApplicationManifestFile = "ApplicationManifest.yaml"
	ServiceManifestFile     = "ServiceManifest.yaml"
)

// PackageKind is the role of a package inside a service manifest.
type PackageKind string

// Package kinds.
const (
	KindCode   PackageKind = "Code"
	KindConfig PackageKind = "Config"
	KindData   PackageKind = "Data"

	// KindManifest marks a service manifest tracked like a package.
	KindManifest PackageKind = "Manifest"
)

// PackageRef names one versioned package of a service.
type PackageRef struct {
	Name    string `yaml:"name"    validate:"required,excludesall=:/\\"`
	Version string `yaml:"version" validate:"required,excludes=:"`
}

// ServiceManifest lists the packages of one service.
type ServiceManifest struct {
	Name           string       `yaml:"name"                     validate:"required,excludesall=:/\\"`
	Version        string       `yaml:"version"                  validate:"required,excludes=:"`
	CodePackages   []PackageRef `yaml:"codePackages"             validate:"required,min=1,dive"`
	ConfigPackages []PackageRef `yaml:"configPackages,omitempty" validate:"dive"`
	DataPackages   []PackageRef `yaml:"dataPackages,omitempty"   validate:"dive"`
}

// Package is a PackageRef together with its kind.
type Package struct {
	PackageRef

	Kind PackageKind
}

// Packages returns code, config and data packages in declaration order.
func (m *ServiceManifest) Packages() []Package {
	out := make([]Package, 0, len(m.CodePackages)+len(m.ConfigPackages)+len(m.DataPackages))

	for _, group := range []struct {
		kind PackageKind
		refs []PackageRef
	}{
		{KindCode, m.CodePackages},
		{KindConfig, m.ConfigPackages},
		{KindData, m.DataPackages},
	} {
		for _, ref := range group.refs {
			out = append(out, Package{PackageRef: ref, Kind: group.kind})
		}
	}

	return out
}

// ServiceImport references a service manifest version from the application manifest.
type ServiceImport struct {
	ServiceManifestName    string `yaml:"serviceManifestName"    validate:"required,excludesall=:/\\"`
	ServiceManifestVersion string `yaml:"serviceManifestVersion" validate:"required,excludes=:"`
}

// ApplicationManifest is the root manifest of an application type version.
type ApplicationManifest struct {
	ApplicationTypeName    string          `yaml:"applicationTypeName"    validate:"required,excludesall=:/\\"`
	ApplicationTypeVersion string          `yaml:"applicationTypeVersion" validate:"required,excludes=:"`
	ServiceManifestImports []ServiceImport `yaml:"serviceManifestImports" validate:"required,min=1,dive"`
}

// TypeVersion returns the application type identity.
func (m *ApplicationManifest) TypeVersion() TypeVersion {
	return TypeVersion{Name: m.ApplicationTypeName, Version: m.ApplicationTypeVersion}
}

//nolint:gochecknoglobals // Validator instances are meant to be shared.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseApplicationManifest decodes and validates an application manifest.
func ParseApplicationManifest(data []byte) (*ApplicationManifest, error) {
	var m ApplicationManifest
	if err := decode(data, &m, ApplicationManifestFile); err != nil {
		return nil, err
	}

	errs := fieldErrors(validate.Struct(&m), ApplicationManifestFile)

	seen := make(map[string]struct{}, len(m.ServiceManifestImports))
	for _, imp := range m.ServiceManifestImports {
		if _, dup := seen[imp.ServiceManifestName]; dup {
			errs = append(errs, invalid(ApplicationManifestFile, "service manifest %s is imported twice",
				imp.ServiceManifestName))
		}

		seen[imp.ServiceManifestName] = struct{}{}
	}

	if err := errkind.Aggregate(errkind.KindValidation, "parse", "invalid application manifest", errs); err != nil {
		return nil, err
	}

	return &m, nil
}

// ParseServiceManifest decodes and validates a service manifest.
func ParseServiceManifest(data []byte, source string) (*ServiceManifest, error) {
	var m ServiceManifest
	if err := decode(data, &m, source); err != nil {
		return nil, err
	}

	errs := fieldErrors(validate.Struct(&m), source)

	seen := make(map[string]struct{})
	for _, p := range m.Packages() {
		if _, dup := seen[p.Name]; dup {
			errs = append(errs, invalid(source, "package name %s is declared twice", p.Name))
		}

		seen[p.Name] = struct{}{}
	}

	if err := errkind.Aggregate(errkind.KindValidation, "parse", "invalid service manifest", errs); err != nil {
		return nil, err
	}

	return &m, nil
}

// Marshal renders a manifest as YAML.
func Marshal(v any) ([]byte, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	return data, nil
}

func decode(data []byte, out any, source string) error {
	if err := yaml.Unmarshal(data, out); err != nil {
		return errkind.Wrap(errkind.KindValidation, "parse", source, err)
	}

	return nil
}

func invalid(source, format string, args ...any) error {
	return errkind.New(errkind.KindValidation, "parse", source, format, args...)
}

// fieldErrors turns validator output into one error per failing field.
func fieldErrors(err error, source string) []error {
	if err == nil {
		return nil
	}

	var fes validator.ValidationErrors
	if !errors.As(err, &fes) {
		return []error{errkind.Wrap(errkind.KindValidation, "parse", source, err)}
	}

	out := make([]error, 0, len(fes))

	for _, fe := range fes {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}

		switch fe.Tag() {
		case "required", "min":
			out = append(out, invalid(source, "%s is required", field))
		case "excludes", "excludesall":
			out = append(out, invalid(source, "%s must not contain any of %q", field, fe.Param()))
		default:
			out = append(out, invalid(source, "%s failed %q validation", field, fe.Tag()))
		}
	}

	return out
}
