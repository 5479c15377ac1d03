package cluster

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
)

// Parameter is one setting override inside a section.
type Parameter struct {
	Name        string `yaml:"name"                  validate:"required"`
	Value       string `yaml:"value"`
	IsEncrypted bool   `yaml:"isEncrypted,omitempty"`
}

// Section is a named group of parameters, e.g. FailoverManager.
type Section struct {
	Name       string      `yaml:"name"       validate:"required"`
	Parameters []Parameter `yaml:"parameters" validate:"dive"`
}

// Manifest is the cluster manifest: its identity and the fabric settings overrides.
type Manifest struct {
	Name           string    `yaml:"name"                     validate:"required"`
	Version        string    `yaml:"version"                  validate:"required,excludes=:"`
	FabricSettings []Section `yaml:"fabricSettings,omitempty" validate:"dive"`
}

//nolint:gochecknoglobals // Validator instances are meant to be shared.
var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseManifest decodes and validates a cluster manifest. Every problem is
// reported in one Validation error.
func ParseManifest(data []byte) (*Manifest, error) {
	const op = "parse cluster manifest"

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errkind.Wrap(errkind.KindValidation, op, "", err)
	}

	var errs []error

	var fes validator.ValidationErrors

	switch err := validate.Struct(&m); {
	case errors.As(err, &fes):
		for _, fe := range fes {
			errs = append(errs, errkind.New(errkind.KindValidation, op, m.Name,
				"%s failed %q validation", fe.Namespace(), fe.Tag()))
		}
	case err != nil:
		errs = append(errs, errkind.Wrap(errkind.KindValidation, op, m.Name, err))
	}

	sections := make(map[string]struct{}, len(m.FabricSettings))

	for _, section := range m.FabricSettings {
		if _, dup := sections[section.Name]; dup {
			errs = append(errs, errkind.New(errkind.KindValidation, op, m.Name,
				"section %s is declared twice", section.Name))
		}

		sections[section.Name] = struct{}{}

		params := make(map[string]struct{}, len(section.Parameters))

		for _, p := range section.Parameters {
			if _, dup := params[p.Name]; dup {
				errs = append(errs, errkind.New(errkind.KindValidation, op, m.Name,
					"parameter %s in section %s is declared twice", p.Name, section.Name))
			}

			params[p.Name] = struct{}{}
		}
	}

	if err := errkind.Aggregate(errkind.KindValidation, op, "invalid cluster manifest", errs); err != nil {
		return nil, err
	}

	return &m, nil
}

// Marshal renders the manifest as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal cluster manifest: %w", err)
	}

	return data, nil
}

// Settings builds a fresh Settings Map from the manifest.
func (m *Manifest) Settings() SettingsMap {
	return FromSections(m.FabricSettings)
}
