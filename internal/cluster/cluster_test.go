package cluster

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

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

func findLeader(t *testing.T, c *Cluster) int {
	t.Helper()
	var l int
	waitUntil(t, 10*time.Second, "a leader", func() bool {
		i, err := c.Leader()
		l = i
		return err == nil
	})
	return l
}

func TestBasicPutGet(t *testing.T) {
	c := New(Options{N: 3})
	defer c.Cleanup()

	ck := c.MakeClient(c.All())
	ck.Put("x", "1")
	if got := ck.Get("x"); got != "1" {
		t.Fatalf("Get = %q, want %q", got, "1")
	}
	ck.Append("x", "2")
	if got := ck.Get("x"); got != "12" {
		t.Fatalf("Get after Append = %q, want %q", got, "12")
	}
	if got := ck.Get("absent"); got != "" {
		t.Fatalf(`Get on absent key = %q, want ""`, got)
	}
}

func TestManyClients(t *testing.T) {
	c := New(Options{N: 3})
	defer c.Cleanup()

	cka := c.MakeClient(c.All())
	ckb := c.MakeClient(c.All())

	for i := 0; i < 5; i++ {
		cka.Append("k", fmt.Sprintf("a%d", i))
		ckb.Append("k", fmt.Sprintf("b%d", i))
	}

	got := cka.Get("k")
	// Interleaving is unspecified; every append must appear exactly once.
	for i := 0; i < 5; i++ {
		for _, tag := range []string{"a", "b"} {
			sub := fmt.Sprintf("%s%d", tag, i)
			if !contains(got, sub) {
				t.Fatalf("value %q is missing append %q", got, sub)
			}
		}
	}
	if len(got) != 5*2*2 {
		t.Fatalf("value %q has length %d, want %d (lost or doubled append)", got, len(got), 20)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestRestartPreservesState(t *testing.T) {
	c := New(Options{N: 3})
	defer c.Cleanup()

	ck := c.MakeClient(c.All())
	ck.Put("x", "1")
	ck.Append("x", "2")

	// Rolling restart of every slot; each successor starts from the
	// bytes its predecessor last persisted.
	for i := 0; i < c.N(); i++ {
		c.RestartServer(i)
		c.Connect(i, c.All())
	}

	if got := ck.Get("x"); got != "12" {
		t.Fatalf("Get after rolling restart = %q, want %q", got, "12")
	}

	ck.Append("x", "3")
	if got := ck.Get("x"); got != "123" {
		t.Fatalf("Get after post-restart Append = %q, want %q", got, "123")
	}
}

func TestAcknowledgedWriteSurvivesCrash(t *testing.T) {
	c := New(Options{N: 3})
	defer c.Cleanup()

	ck := c.MakeClient(c.All())
	ck.Put("x", "durable")

	l := findLeader(t, c)
	c.RestartServer(l)
	c.Connect(l, c.All())

	if got := ck.Get("x"); got != "durable" {
		t.Fatalf("acknowledged write lost across leader crash: %q", got)
	}
}

func TestShutdownRollsOverExactDurableBytes(t *testing.T) {
	c := New(Options{N: 3})
	defer c.Cleanup()

	ck := c.MakeClient(c.All())
	ck.Put("x", "1")

	c.mu.Lock()
	live := c.saved[0]
	c.mu.Unlock()

	c.ShutdownServer(0)

	c.mu.Lock()
	rolled := c.saved[0]
	c.mu.Unlock()

	if rolled == live {
		t.Fatalf("shutdown did not roll the persisted-state handle over")
	}
	if rolled.RaftStateSize() == 0 {
		t.Fatalf("rolled-over handle lost the persisted log state")
	}

	// A write into the orphaned handle (an in-flight save from the old
	// instance, here simulated directly) must not reach the successor's
	// seed.
	live.SaveRaftState([]byte("zombie write"))
	if string(rolled.ReadRaftState()) == "zombie write" {
		t.Fatalf("superseded instance mutated the successor's seed")
	}
}

func TestLeaderNoneWhenAllDown(t *testing.T) {
	c := New(Options{N: 3})
	defer c.Cleanup()

	findLeader(t, c)
	for i := 0; i < c.N(); i++ {
		c.ShutdownServer(i)
	}
	if _, err := c.Leader(); !errors.Is(err, ErrNoLeader) {
		t.Fatalf("Leader with all slots down: err = %v, want ErrNoLeader", err)
	}
}

func TestMakePartitionShape(t *testing.T) {
	c := New(Options{N: 5})
	defer c.Cleanup()

	l := findLeader(t, c)
	p1, p2 := c.MakePartition()

	if len(p1) != 3 || len(p2) != 2 {
		t.Fatalf("groups %v / %v, want sizes 3 and 2", p1, p2)
	}
	seen := make(map[int]bool)
	for _, i := range append(append([]int{}, p1...), p2...) {
		if seen[i] {
			t.Fatalf("index %d appears twice in %v / %v", i, p1, p2)
		}
		seen[i] = true
	}
	for i := 0; i < 5; i++ {
		if !seen[i] {
			t.Fatalf("index %d missing from %v / %v", i, p1, p2)
		}
	}
	leaderIn := func(g []int) bool {
		for _, i := range g {
			if i == l {
				return true
			}
		}
		return false
	}
	if leaderIn(p1) || !leaderIn(p2) {
		t.Fatalf("leader %d not in the minority group: %v / %v", l, p1, p2)
	}
}

func TestMakePartitionWithoutLeader(t *testing.T) {
	c := New(Options{N: 3})
	defer c.Cleanup()

	for i := 0; i < c.N(); i++ {
		c.ShutdownServer(i)
	}
	p1, p2 := c.MakePartition()
	if len(p1) != 2 || len(p2) != 1 || p2[0] != 0 {
		t.Fatalf("no-leader fallback groups %v / %v, want [1 2] / [0]", p1, p2)
	}
}

func TestMajorityMakesProgressAcrossPartition(t *testing.T) {
	c := New(Options{N: 5})
	defer c.Cleanup()

	ck := c.MakeClient(c.All())
	ck.Put("x", "before")

	findLeader(t, c)
	p1, p2 := c.MakePartition()
	c.Partition(p1, p2)

	// The majority side elects and accepts writes.
	ckMaj := c.MakeClient(p1)
	ckMaj.Put("x", "during")

	// A session seeing only the minority cannot complete an operation.
	ckMin := c.MakeClient(p2)
	minDone := make(chan struct{})
	go func() {
		ckMin.Get("x")
		close(minDone)
	}()
	select {
	case <-minDone:
		t.Fatalf("minority-side Get completed while partitioned")
	case <-time.After(2 * time.Second):
	}

	c.ConnectAll()
	c.ConnectClient(ckMin, c.All())

	select {
	case <-minDone:
	case <-time.After(15 * time.Second):
		t.Fatalf("minority-side Get still blocked after healing")
	}

	if got := ckMaj.Get("x"); got != "during" {
		t.Fatalf("Get after heal = %q, want %q", got, "during")
	}
}

func TestStats(t *testing.T) {
	c := New(Options{N: 3})
	defer c.Cleanup()

	ck := c.MakeClient(c.All())
	c.Begin("stats phase")
	for i := 0; i < 10; i++ {
		ck.Put(fmt.Sprintf("k%d", i), "v")
		c.Op()
	}
	st := c.End()

	if st.Ops != 10 {
		t.Fatalf("Ops = %d, want 10", st.Ops)
	}
	if st.Peers != 3 {
		t.Fatalf("Peers = %d, want 3", st.Peers)
	}
	if st.RPCs < 10 {
		t.Fatalf("RPCs = %d, want at least one per operation", st.RPCs)
	}
	if st.T <= 0 {
		t.Fatalf("elapsed = %v, want > 0", st.T)
	}

	// A second phase starts from fresh counters.
	c.Begin("second phase")
	if c.Ops() != 0 {
		t.Fatalf("Ops not reset by Begin: %d", c.Ops())
	}
}

func TestSnapshotKeepsLogBounded(t *testing.T) {
	maxraftstate := 1000
	c := New(Options{N: 3, MaxRaftState: maxraftstate})
	defer c.Cleanup()

	ck := c.MakeClient(c.All())
	value := make([]byte, 50)
	for i := range value {
		value[i] = 'v'
	}
	for i := 0; i < 60; i++ {
		ck.Put(fmt.Sprintf("k%d", i%7), string(value))
	}

	if got := c.SnapshotSize(); got == 0 {
		t.Fatalf("no snapshot was taken with maxraftstate = %d", maxraftstate)
	}
	if got := c.LogSize(); got > 8*maxraftstate {
		t.Fatalf("LogSize = %d, want compaction to hold it near %d", got, maxraftstate)
	}

	// State survives the compaction boundary across restarts.
	for i := 0; i < c.N(); i++ {
		c.RestartServer(i)
		c.Connect(i, c.All())
	}
	if got := ck.Get("k0"); got != string(value) {
		t.Fatalf("value lost across snapshot+restart")
	}
}

func TestClientIsolation(t *testing.T) {
	c := New(Options{N: 3})
	defer c.Cleanup()

	ck := c.MakeClient(c.All())
	ck.Put("x", "1")

	other := c.MakeClient(c.All())
	c.DisconnectClient(ck, c.All())

	// A disconnected session makes no progress; others are unaffected.
	done := make(chan struct{})
	go func() {
		ck.Get("x")
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("disconnected session completed an operation")
	case <-time.After(1500 * time.Millisecond):
	}

	if got := other.Get("x"); got != "1" {
		t.Fatalf("unrelated session was affected: Get = %q", got)
	}

	c.ConnectClient(ck, c.All())
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("session still blocked after reconnecting")
	}
}

func TestUnreliableNetwork(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping unreliable-network test in short mode")
	}
	c := New(Options{N: 3, Unreliable: true})
	defer c.Cleanup()

	ck := c.MakeClient(c.All())
	for i := 0; i < 10; i++ {
		ck.Append("k", fmt.Sprintf("x%d", i))
	}
	got := ck.Get("k")
	for i := 0; i < 10; i++ {
		sub := fmt.Sprintf("x%d", i)
		if !contains(got, sub) {
			t.Fatalf("value %q lost append %q under an unreliable network", got, sub)
		}
	}
	if len(got) != 20 {
		t.Fatalf("value %q has length %d, want 20 (retry was not deduplicated)", got, len(got))
	}
}

func TestNameSourceUniqueness(t *testing.T) {
	ns := NewNameSource()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		n := ns.Next()
		if seen[n] {
			t.Fatalf("name %q issued twice", n)
		}
		seen[n] = true
	}
}

func TestSharedNameSourceAcrossClusters(t *testing.T) {
	ns := NewNameSource()
	a := ns.Next()
	b := ns.Next()
	if a == b {
		t.Fatalf("shared source repeated a name")
	}
}

func TestBudgetExceededPanics(t *testing.T) {
	c := New(Options{N: 1})
	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("no panic from an exceeded budget")
		}
		if _, ok := r.(*BudgetExceededError); !ok {
			t.Fatalf("panic value %T, want *BudgetExceededError", r)
		}
	}()
	// Rewind the construction time instead of sleeping the budget out.
	c.start = time.Now().Add(-Budget - time.Second)
	c.Cleanup()
}
