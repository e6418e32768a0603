// Package config defines the format-agnostic simulation configuration: the
// simulation clock, the device types, the engines to launch and the device
// links between them.
//
// Concrete loaders live in separate packages (hcl, yamlconf). Whatever the
// source format, a Model must pass Validate before any engine is launched.
package config
