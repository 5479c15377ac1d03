package cluster

import (
	"maps"
	"slices"
)

// Setting is one parameter value.
type Setting struct {
	Value       string
	IsEncrypted bool
}

// SettingsMap maps section name to parameter name to setting. It is built
// fresh per manifest snapshot; Clone before mutating a map someone else holds.
type SettingsMap map[string]map[string]Setting

// FromSections builds a Settings Map from manifest sections.
func FromSections(sections []Section) SettingsMap {
	out := make(SettingsMap, len(sections))

	for _, section := range sections {
		params := out[section.Name]
		if params == nil {
			params = make(map[string]Setting, len(section.Parameters))
			out[section.Name] = params
		}

		for _, p := range section.Parameters {
			params[p.Name] = Setting{Value: p.Value, IsEncrypted: p.IsEncrypted}
		}
	}

	return out
}

// Get returns the setting of parameter in section.
func (s SettingsMap) Get(section, parameter string) (Setting, bool) {
	setting, ok := s[section][parameter]

	return setting, ok
}

// Set stores a setting, creating the section when needed.
func (s SettingsMap) Set(section, parameter string, setting Setting) {
	if s[section] == nil {
		s[section] = make(map[string]Setting)
	}

	s[section][parameter] = setting
}

// Remove deletes a parameter; an emptied section is dropped.
func (s SettingsMap) Remove(section, parameter string) {
	delete(s[section], parameter)

	if len(s[section]) == 0 {
		delete(s, section)
	}
}

// Clone returns a deep copy.
func (s SettingsMap) Clone() SettingsMap {
	out := make(SettingsMap, len(s))

	for section, params := range s {
		out[section] = maps.Clone(params)
	}

	return out
}

// Sections renders the map back into manifest form, sorted by name.
func (s SettingsMap) Sections() []Section {
	out := make([]Section, 0, len(s))

	for _, name := range slices.Sorted(maps.Keys(s)) {
		section := Section{Name: name}

		for _, param := range slices.Sorted(maps.Keys(s[name])) {
			setting := s[name][param]
			section.Parameters = append(section.Parameters, Parameter{
				Name:        param,
				Value:       setting.Value,
				IsEncrypted: setting.IsEncrypted,
			})
		}

		out = append(out, section)
	}

	return out
}
