// Package config defines the settings shared by the provisioner binaries and
// provides helpers to load, validate and save them in YAML format.
//
// Load layers PROVISIONER_* environment variables over the YAML file through
// viper; Validate applies defaults and enforces struct tags with validator.
package config
