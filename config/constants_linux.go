//go:build linux

package config

// Defaulting to a relative hidden folder in the working directory keeps
// local runs sudo-free and the generated files visible. The variable is
// still a var so tests or advanced deployments can override it.
var MetadataDir = ".raftbed_meta" // created under CWD (see configureMetadataDir)
