// Package config loads the stream client configuration from YAML.
//
// Values may reference environment variables as ${VAR}; they are expanded
// before parsing. Zero values are replaced by the defaults in defaults.go.
package config
