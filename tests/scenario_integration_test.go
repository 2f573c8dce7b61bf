package tests

import (
	"testing"

	"github.com/raftbed/raftbed/internal/clock"
	"github.com/raftbed/raftbed/internal/scenario"
)

// End-to-end: a YAML scenario drives a live in-process cluster through
// writes, a partition, a heal, and a crash/restart, asserting reads at
// each stage.
func TestScenarioEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping scenario integration test in short mode")
	}

	src := `
name: integration-smoke
servers: 3
steps:
  - at: 0s
    put: {key: a, value: "1"}
  - at: 0s
    check: {key: a, want: "1"}
  - at: 1s
    want-leader: true
  - at: 1s
    split: true
  - at: 2s
    append: {key: a, value: "2"}
  - at: 4s
    heal: true
  - at: 5s
    check: {key: a, want: "12"}
  - at: 5s
    restart: 0
  - at: 7s
    check: {key: a, want: "12"}
`
	f, s, err := scenario.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	stats, err := scenario.Execute(f, s, clock.Real{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if stats.Ops != 5 {
		t.Fatalf("stats.Ops = %d, want 5 client operations", stats.Ops)
	}
	if stats.Peers != 3 {
		t.Fatalf("stats.Peers = %d, want 3", stats.Peers)
	}
	if stats.RPCs <= 0 {
		t.Fatalf("stats.RPCs = %d, want > 0", stats.RPCs)
	}
}

func TestScenarioCheckFailureSurfaces(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping scenario integration test in short mode")
	}

	src := `
name: failing-check
servers: 3
steps:
  - at: 0s
    put: {key: a, value: "1"}
  - at: 0s
    check: {key: a, want: "wrong"}
`
	f, s, err := scenario.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := scenario.Execute(f, s, clock.Real{}); err == nil {
		t.Fatalf("Execute succeeded despite a failing check")
	}
}
