// Package config owns the on-disk state of a magg instance: the config.json
// document that records configured servers and loaded kits, the kit.d
// directories that supply kit definitions, and the MAGG_* environment
// settings that shape runtime behavior.
//
// The aggregator core consumes this package as a collaborator. It never
// parses files itself; it asks a Manager for the current Config, a KitSource
// for kit definitions, and Settings for the process-wide knobs. String
// values in server definitions may reference environment variables with
// ${VAR} or ${VAR:-default} syntax, expanded at mount time via ExpandEnv.
package config
