// Package config loads the parley server configuration from YAML over
// built-in defaults. Command-line flags in cmd/parley override individual
// fields after Load returns.
package config
