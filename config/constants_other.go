//go:build !linux

package config

var MetadataDir = ".raftbed_meta"
