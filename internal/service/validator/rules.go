package validator

// Classification says whether a parameter may change across an in-place upgrade.
type Classification uint8

const (
	// Dynamic parameters may change freely.
	Dynamic Classification = iota
	// Static parameters must keep their value.
	Static
)

// String returns the classification name.
func (c Classification) String() string {
	if c == Static {
		return "Static"
	}

	return "Dynamic"
}

// Rule classifies one parameter of one section.
type Rule struct {
	Section        string
	Parameter      string
	Classification Classification
}

// FailoverManagerSection holds placement and replica-set settings.
const FailoverManagerSection = "FailoverManager"

// DefaultRules lists the upgrade-sensitive parameters in declaration order.
// Parameters absent from the table are Dynamic.
//
//nolint:gochecknoglobals // Read-only rule table.
var DefaultRules = []Rule{
	{FailoverManagerSection, "TargetReplicaSetSize", Static},
	{FailoverManagerSection, "MinReplicaSetSize", Static},
	{FailoverManagerSection, "ReplicaRestartWaitDuration", Static},
	{FailoverManagerSection, "FullRebuildWaitDuration", Static},
	{FailoverManagerSection, "StandByReplicaKeepDuration", Static},
	{FailoverManagerSection, "PlacementConstraints", Static},
}
