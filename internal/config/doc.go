// Package config defines the process-wide settings of finalize-ostree-uki
// and provides helpers to load, validate and save them in YAML format.
//
// A Config is built once at startup from defaults, the optional settings
// file and command-line overrides, then passed explicitly to the pipeline.
// The signing key paths it carries are never varied per entry.
package config
