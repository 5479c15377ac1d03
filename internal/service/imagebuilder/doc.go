// Package imagebuilder implements the out-of-process builder: it parses flat
// "key:value" arguments into a validated per-operation config, runs the
// operation against the store and reports the outcome as a categorised exit code.
package imagebuilder
