package validator

import (
	"context"
	"fmt"
	"maps"
	"strings"

	"github.com/oshokin/fabric-provisioner/internal/domain/cluster"
	"github.com/oshokin/fabric-provisioner/internal/errkind"
	"github.com/oshokin/fabric-provisioner/internal/logger"
	"github.com/oshokin/fabric-provisioner/internal/metrics"
)

const (
	// absent renders a missing target value.
	absent = "null"
)

// Validator rejects upgrades that change Static parameters.
type Validator struct {
	rules   []Rule
	metrics *metrics.Metrics
}

// New returns a validator over rules; nil rules means DefaultRules.
func New(rules []Rule, m *metrics.Metrics) *Validator {
	if rules == nil {
		rules = DefaultRules
	}

	return &Validator{rules: rules, metrics: m}
}

// Validate compares current and target settings. A Static parameter missing
// from current fails at once; every other violation is collected and all of
// them are reported in one Validation error, in rule order. Neither map is modified.
func (v *Validator) Validate(ctx context.Context, current, target cluster.SettingsMap) error {
	var violations []string

	for _, rule := range v.rules {
		if rule.Classification != Static {
			continue
		}

		was, ok := current.Get(rule.Section, rule.Parameter)
		if !ok {
			v.metrics.SettingsViolations(1)

			return &errkind.Error{
				Kind:    errkind.KindValidation,
				Subject: rule.Parameter,
				Message: fmt.Sprintf("Current value for configuration %s is null.", rule.Parameter),
			}
		}

		now, ok := target.Get(rule.Section, rule.Parameter)
		if ok && now.Value == was.Value {
			continue
		}

		newValue := absent
		if ok {
			newValue = now.Value
		}

		violations = append(violations, fmt.Sprintf(
			"The change in %s is not allowed. The new value: %s does not match the old one: %s.",
			rule.Parameter, newValue, was.Value))
	}

	if len(violations) == 0 {
		return nil
	}

	v.metrics.SettingsViolations(len(violations))
	logger.WarnKV(ctx, "Settings upgrade rejected", "violations", len(violations))

	return &errkind.Error{Kind: errkind.KindValidation, Message: strings.Join(violations, " ")}
}

// Scope narrows settings to the sections the rules cover. The result shares
// no maps with settings.
func (v *Validator) Scope(settings cluster.SettingsMap) cluster.SettingsMap {
	out := make(cluster.SettingsMap)

	for _, rule := range v.rules {
		params, ok := settings[rule.Section]
		if _, done := out[rule.Section]; ok && !done {
			out[rule.Section] = maps.Clone(params)
		}
	}

	return out
}

// Classify returns the classification of a parameter.
func (v *Validator) Classify(section, parameter string) Classification {
	for _, rule := range v.rules {
		if rule.Section == section && rule.Parameter == parameter {
			return rule.Classification
		}
	}

	return Dynamic
}
