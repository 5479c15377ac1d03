package fabric

import (
	"strings"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
)

// Version identifies a provisioned code and configuration combination.
// Either side may be empty for code-only or config-only provisioning.
type Version struct {
	// Code is the installer's embedded product version, e.g. "10.1.2448.9590".
	Code string
	// Config is the cluster manifest's version attribute.
	Config string
}

// ParseVersion parses the "Code:Config" form. The separator is required,
// so ":1.0" and "10.1.0.0:" are valid while "10.1.0.0" is not.
func ParseVersion(s string) (Version, error) {
	code, config, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Version{}, errkind.New(errkind.KindValidation, "parse fabric version", s,
			"expected <CodeVersion>:<ConfigVersion>")
	}

	v := Version{Code: code, Config: config}
	if strings.Contains(config, ":") {
		return Version{}, errkind.New(errkind.KindValidation, "parse fabric version", s,
			"config version must not contain ':'")
	}

	return v, nil
}

// String renders the "Code:Config" form.
func (v Version) String() string {
	return v.Code + ":" + v.Config
}

// IsZero reports whether both components are empty.
func (v Version) IsZero() bool {
	return v.Code == "" && v.Config == ""
}

// MarshalText implements encoding.TextMarshaler so versions serialize as "Code:Config".
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := ParseVersion(string(text))
	if err != nil {
		return err
	}

	*v = parsed

	return nil
}
