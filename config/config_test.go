package config

import "testing"

func TestDefaultConfig(t *testing.T) {
	c := initDefaultConfig()
	if c.Servers != 5 {
		t.Fatalf("Servers default = %d, want 5", c.Servers)
	}
	if c.MaxRaftState != -1 {
		t.Fatalf("MaxRaftState default = %d, want -1", c.MaxRaftState)
	}
	if c.LogLevel != "info" {
		t.Fatalf("LogLevel default = %q, want info", c.LogLevel)
	}
	if c.Unreliable {
		t.Fatalf("Unreliable default = true, want false")
	}
}

func TestForceInitFillsZeroFields(t *testing.T) {
	prev := Config
	defer func() { Config = prev }()

	c := &RaftbedConfig{Servers: 7}
	ForceInit(c)

	if Config.Servers != 7 {
		t.Fatalf("explicit field overwritten: Servers = %d", Config.Servers)
	}
	if Config.LogLevel != "info" {
		t.Fatalf("zero field not defaulted: LogLevel = %q", Config.LogLevel)
	}
}

func TestVersionLoaded(t *testing.T) {
	if RaftbedVersion == "-" || RaftbedVersion == "" {
		t.Fatalf("version not read from VERSION file: %q", RaftbedVersion)
	}
}
