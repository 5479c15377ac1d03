package fabric

import (
	"fmt"
	"time"

	"github.com/oshokin/fabric-provisioner/internal/errkind"
)

// State is the lifecycle position of one fabric version.
type State uint8

const (
	// StateUnprovisioned means no release artifacts exist for the version.
	StateUnprovisioned State = iota
	// StateProvisioning means release artifacts are being published.
	StateProvisioning
	// StateProvisioned means the version is servable and may be an upgrade target.
	StateProvisioned
	// StateUpgrading means the cluster is moving to this version.
	StateUpgrading
)

var stateNames = map[State]string{
	StateUnprovisioned: "Unprovisioned",
	StateProvisioning:  "Provisioning",
	StateProvisioned:   "Provisioned",
	StateUpgrading:     "Upgrading",
}

// transitions lists every allowed move. Provisioning falls back to
// Unprovisioned on failure; Upgrading returns to Provisioned on commit or rollback.
var transitions = map[State][]State{
	StateUnprovisioned: {StateProvisioning},
	StateProvisioning:  {StateProvisioned, StateUnprovisioned},
	StateProvisioned:   {StateUpgrading, StateUnprovisioned},
	StateUpgrading:     {StateProvisioned},
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("State(%d)", uint8(s))
}

// CanTransition reports whether a version in s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state

			return nil
		}
	}

	return fmt.Errorf("unknown fabric version state %q", text)
}

// Record is the registry entry of one fabric version.
type Record struct {
	// Version is the code and config pair.
	Version Version `yaml:"version"`
	// State is the lifecycle position.
	State State `yaml:"state"`
	// CodeTag is the release tag of the code artifact, empty for config-only versions.
	CodeTag string `yaml:"codeTag,omitempty"`
	// ClusterManifestTag is the release tag of the cluster manifest, empty for code-only versions.
	ClusterManifestTag string `yaml:"clusterManifestTag,omitempty"`
	// InfrastructureTag is the release tag of the infrastructure manifest.
	InfrastructureTag string `yaml:"infrastructureTag,omitempty"`
	// ProvisionedAt is when the version was registered.
	ProvisionedAt time.Time `yaml:"provisionedAt"`
	// UpdatedAt is the last state change.
	UpdatedAt time.Time `yaml:"updatedAt"`
}

// Clone returns a copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	cloned := *r

	return &cloned
}

// Transition moves the record to next or fails with Validation.
func (r *Record) Transition(next State, now time.Time) error {
	if !r.State.CanTransition(next) {
		return errkind.New(errkind.KindValidation, "transition", r.Version.String(),
			"fabric version cannot move from %s to %s", r.State, next)
	}

	r.State = next
	r.UpdatedAt = now

	return nil
}

// Tags lists the release tags the record references.
func (r *Record) Tags() []string {
	tags := make([]string, 0, 3)

	for _, tag := range []string{r.CodeTag, r.ClusterManifestTag, r.InfrastructureTag} {
		if tag != "" {
			tags = append(tags, tag)
		}
	}

	return tags
}
