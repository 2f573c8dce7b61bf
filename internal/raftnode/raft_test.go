package raftnode_test

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/raftbed/raftbed/internal/labnet"
	"github.com/raftbed/raftbed/internal/persist"
	"github.com/raftbed/raftbed/internal/raftnode"
)

// group is a set of raft nodes wired through a simulated network, with
// every node's applied commands collected for inspection.
type group struct {
	t   *testing.T
	net *labnet.Network
	n   int

	mu      sync.Mutex
	rafts   []*raftnode.Raft
	saved   []*persist.Persister
	applied [][][]byte // applied[i] = commands node i has applied, in order
}

func servername(i int) string { return fmt.Sprintf("raft-%d", i) }

func makeGroup(t *testing.T, n int) *group {
	t.Helper()
	g := &group{
		t:       t,
		net:     labnet.MakeNetwork(),
		n:       n,
		rafts:   make([]*raftnode.Raft, n),
		saved:   make([]*persist.Persister, n),
		applied: make([][][]byte, n),
	}
	for i := 0; i < n; i++ {
		g.saved[i] = persist.New()
	}
	for i := 0; i < n; i++ {
		g.startNode(i)
	}
	t.Cleanup(func() {
		for i := 0; i < n; i++ {
			g.mu.Lock()
			rf := g.rafts[i]
			g.mu.Unlock()
			if rf != nil {
				rf.Kill()
			}
		}
		g.net.Cleanup()
	})
	return g
}

// startNode builds node i from its current persister contents and
// registers it with the network, replacing any previous incarnation's
// registration.
func (g *group) startNode(i int) {
	ends := make([]*labnet.ClientEnd, g.n)
	for j := 0; j < g.n; j++ {
		name := fmt.Sprintf("gen%d-%d-%d", time.Now().UnixNano(), i, j)
		ends[j] = g.net.MakeEnd(name)
		g.net.Connect(name, servername(j))
		g.net.Enable(name, true)
	}

	applyCh := make(chan raftnode.ApplyMsg, 512)
	rf := raftnode.New(ends, i, g.saved[i], applyCh)

	g.mu.Lock()
	g.rafts[i] = rf
	g.applied[i] = nil
	g.mu.Unlock()

	go func() {
		for msg := range applyCh {
			if !msg.CommandValid {
				continue
			}
			g.mu.Lock()
			g.applied[i] = append(g.applied[i], msg.Command)
			g.mu.Unlock()
		}
	}()

	srv := labnet.MakeServer()
	srv.AddService(labnet.MakeService(rf))
	g.net.DeleteServer(servername(i))
	g.net.AddServer(servername(i), srv)
}

func (g *group) leader() (*raftnode.Raft, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, rf := range g.rafts {
		if rf != nil && !rf.Killed() && rf.IsLeader() {
			return rf, true
		}
	}
	return nil, false
}

func (g *group) appliedCount(i int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.applied[i])
}

func (g *group) appliedAt(i, k int) []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applied[i][k]
}

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for %s", timeout, what)
}

func TestInitialElection(t *testing.T) {
	g := makeGroup(t, 3)
	waitUntil(t, 10*time.Second, "a leader", func() bool {
		_, ok := g.leader()
		return ok
	})
}

func TestProposeAndApplyEverywhere(t *testing.T) {
	g := makeGroup(t, 3)

	cmds := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, cmd := range cmds {
		proposed := false
		waitUntil(t, 10*time.Second, "a leader accepting the proposal", func() bool {
			rf, ok := g.leader()
			if !ok {
				return false
			}
			proposed = rf.Propose(cmd)
			return proposed
		})
	}

	for i := 0; i < g.n; i++ {
		i := i
		waitUntil(t, 10*time.Second, fmt.Sprintf("node %d to apply all commands", i), func() bool {
			return g.appliedCount(i) >= len(cmds)
		})
	}

	// Every node applied the same commands in the same order.
	for i := 0; i < g.n; i++ {
		for k, want := range cmds {
			if got := g.appliedAt(i, k); !bytes.Equal(got, want) {
				t.Fatalf("node %d applied[%d] = %q, want %q", i, k, got, want)
			}
		}
	}
}

func TestRestartReplaysPersistedLog(t *testing.T) {
	g := makeGroup(t, 3)

	cmds := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	for _, cmd := range cmds {
		waitUntil(t, 10*time.Second, "proposal accepted", func() bool {
			rf, ok := g.leader()
			return ok && rf.Propose(cmd)
		})
	}
	waitUntil(t, 10*time.Second, "node 0 to apply all commands", func() bool {
		return g.appliedCount(0) >= len(cmds)
	})

	// Crash node 0, roll its persisted state over, restart.
	g.mu.Lock()
	rf := g.rafts[0]
	g.rafts[0] = nil
	g.saved[0] = g.saved[0].Clone()
	g.mu.Unlock()
	rf.Kill()

	g.startNode(0)

	waitUntil(t, 10*time.Second, "restarted node to replay its log", func() bool {
		return g.appliedCount(0) >= len(cmds)
	})
	for k, want := range cmds {
		if got := g.appliedAt(0, k); !bytes.Equal(got, want) {
			t.Fatalf("after restart, applied[%d] = %q, want %q", k, got, want)
		}
	}
}

func TestPartitionedLeaderStepsDown(t *testing.T) {
	g := makeGroup(t, 3)

	var old *raftnode.Raft
	waitUntil(t, 10*time.Second, "a leader", func() bool {
		rf, ok := g.leader()
		old = rf
		return ok
	})

	// Cut the leader off by disabling everyone's path to it and its
	// own registration.
	idx := -1
	g.mu.Lock()
	for i, rf := range g.rafts {
		if rf == old {
			idx = i
		}
	}
	g.mu.Unlock()
	g.net.DeleteServer(servername(idx))

	// CheckQuorum makes an isolated leader abdicate within an election
	// timeout or two.
	waitUntil(t, 15*time.Second, "the isolated leader to step down", func() bool {
		return !old.IsLeader()
	})
}
