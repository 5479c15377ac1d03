package apptype

import (
	"strings"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
)

// TypeVersion is the fully qualified identity of a built application type.
type TypeVersion struct {
	Name    string
	Version string
}

// String renders "Name:Version".
func (tv TypeVersion) String() string {
	return tv.Name + ":" + tv.Version
}

// ParseTypeVersion parses "Name:Version".
func ParseTypeVersion(s string) (TypeVersion, error) {
	name, version, ok := strings.Cut(s, ":")
	if !ok || name == "" || version == "" {
		return TypeVersion{}, errkind.New(errkind.KindValidation, "parse application type", s,
			"expected <Name>:<Version>")
	}

	return TypeVersion{Name: name, Version: version}, nil
}

// Descriptor identifies one package of one service and its content fingerprint.
type Descriptor struct {
	Service     string
	Kind        PackageKind
	Name        string
	Version     string
	Fingerprint string
}

// Key is the identity under which fingerprints must agree: Service, Name and Version.
func (d Descriptor) Key() string {
	return d.Service + "." + d.Name + "." + d.Version
}

// Conflict records a package whose declared version was reused with different content.
type Conflict struct {
	Descriptor

	// Previous is the fingerprint already recorded in the store.
	Previous string
}

// Error renders the full conflict detail.
func (c Conflict) Error() string {
	return "package " + c.Name + " (" + string(c.Kind) + ") of service " + c.Service +
		" version " + c.Version + " changed content without a version change: recorded " +
		c.Previous + ", built " + c.Fingerprint
}
