// Package cluster is the simulation controller of the harness: it owns
// the simulated network topology, the lifecycle of the replicated KV
// servers, the continuity of their persisted state across crash and
// restart, and the statistics used to judge a test run.
//
// A Cluster is driven from one goroutine issuing lifecycle and topology
// operations; the RPC and operation counters are safe to bump from any
// number of concurrent client sessions.
package cluster

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"

	"github.com/raftbed/raftbed/internal/kvserver"
	"github.com/raftbed/raftbed/internal/labnet"
	"github.com/raftbed/raftbed/internal/logging"
	"github.com/raftbed/raftbed/internal/persist"
)

// Budget is the wall-clock limit for one Cluster's lifetime, measured
// from construction. Exceeding it is an unrecoverable test failure.
const Budget = 120 * time.Second

// Options configures a Cluster.
type Options struct {
	N            int  // number of server slots
	Unreliable   bool // delayed/dropped messages from the start
	MaxRaftState int  // per-server log size bound; <= 0 disables snapshots
	// Names may be shared across clusters to keep endpoint names
	// globally unique; nil means a fresh private source.
	Names *NameSource
}

// Cluster composes the network, the server slots, their persisted
// state, and the client sessions into the test-author-facing surface.
type Cluster struct {
	mu    sync.Mutex
	net   *labnet.Network
	n     int
	names *NameSource

	maxraftstate int

	// servers[i] is nil while slot i is shut down. saved[i] is the
	// canonical persisted-state handle for slot i: shared with the one
	// live instance, rolled over (cloned) on every shutdown and start
	// so a superseded instance can never write into its successor's
	// state.
	servers  []*kvserver.KVServer
	saved    []*persist.Persister
	endnames [][]string          // endnames[i][j]: outgoing link i -> j
	sessions map[string][]string // session name -> per-server endnames

	start time.Time // construction time; budget anchor

	// begin()/end() statistics
	t0    time.Time // time at which Begin() was called
	rpcs0 int       // RPC total at Begin()
	ops   atomic.Int64

	cleaned bool
}

// New builds a cluster of opts.N servers, fully connected and running.
func New(opts Options) *Cluster {
	names := opts.Names
	if names == nil {
		names = NewNameSource()
	}
	c := &Cluster{
		net:          labnet.MakeNetwork(),
		n:            opts.N,
		names:        names,
		maxraftstate: opts.MaxRaftState,
		servers:      make([]*kvserver.KVServer, opts.N),
		saved:        make([]*persist.Persister, opts.N),
		endnames:     make([][]string, opts.N),
		sessions:     make(map[string][]string),
		start:        time.Now(),
	}
	c.t0 = c.start

	for i := 0; i < c.n; i++ {
		c.StartServer(i)
	}
	c.ConnectAll()
	c.net.Reliable(!opts.Unreliable)

	return c
}

// N returns the number of server slots.
func (c *Cluster) N() int { return c.n }

// All returns every peer index.
func (c *Cluster) All() []int {
	out := make([]int, c.n)
	for i := range out {
		out[i] = i
	}
	return out
}

func servicename(i int) string { return strconv.Itoa(i) }

// SetUnreliable switches message delay/drop simulation on or off.
func (c *Cluster) SetUnreliable(yes bool) { c.net.Reliable(!yes) }

// SetLongReordering makes the network sometimes hold replies back for
// a long time.
func (c *Cluster) SetLongReordering(yes bool) { c.net.LongReordering(yes) }

// SetLongDelays makes sends to disabled links stall for a long time
// before failing, instead of failing promptly.
func (c *Cluster) SetLongDelays(yes bool) { c.net.LongDelays(yes) }

// StartServer starts (or restarts) slot i. The new instance gets a
// fresh row of outgoing endpoint names, a rolled-over copy of the last
// persisted state, and is registered with the network. None of its
// links are enabled: the caller decides when it joins.
func (c *Cluster) StartServer(i int) {
	c.mu.Lock()

	// a fresh set of outgoing endpoint names, so a stale instance's
	// endpoints can never be re-enabled by later topology calls.
	row := make([]string, c.n)
	for j := 0; j < c.n; j++ {
		row[j] = c.names.Next()
	}
	c.endnames[i] = row

	ends := make([]*labnet.ClientEnd, c.n)
	for j := 0; j < c.n; j++ {
		ends[j] = c.net.MakeEnd(row[j])
		c.net.Connect(row[j], servicename(j))
	}

	// Roll over persisted state before constructing the replacement,
	// so the new instance starts from exactly the bytes last durably
	// saved, and a lingering old instance keeps writing into its own,
	// now-disconnected container.
	if c.saved[i] != nil {
		c.saved[i] = c.saved[i].Clone()
	} else {
		c.saved[i] = persist.New()
	}
	ps := c.saved[i]
	c.mu.Unlock()

	kv := kvserver.Start(ends, i, ps, c.maxraftstate)

	c.mu.Lock()
	c.servers[i] = kv
	c.mu.Unlock()

	srv := labnet.MakeServer()
	srv.AddService(labnet.MakeService(kv))
	srv.AddService(labnet.MakeService(kv.Raft()))
	c.net.AddServer(servicename(i), srv)

	logging.VInfo("cluster", "server started", slog.Int("peer", i))
}

// ShutdownServer stops slot i. Order matters: isolate the slot, then
// unregister its inbound service so no new RPC reaches it, then roll
// over its persisted state, then kill it, so an Append the old
// instance acknowledged can never land in the container the next
// instance will start from.
func (c *Cluster) ShutdownServer(i int) {
	c.mu.Lock()
	c.disconnectLocked(i, c.All())

	// disable client connections to the server.
	c.net.DeleteServer(servicename(i))

	// a fresh persister, in case the old instance continues to update
	// it; copy the old contents so we always start the next instance
	// from the last persisted state.
	if c.saved[i] != nil {
		c.saved[i] = c.saved[i].Clone()
	}

	kv := c.servers[i]
	c.servers[i] = nil
	c.mu.Unlock()

	if kv != nil {
		kv.Kill()
	}

	logging.VInfo("cluster", "server shut down", slog.Int("peer", i))
}

// RestartServer shuts slot i down and starts a replacement. Like
// StartServer, the replacement comes up disconnected.
func (c *Cluster) RestartServer(i int) {
	c.ShutdownServer(i)
	c.StartServer(i)
}

// Leader returns the lowest index whose live server claims leadership,
// or ErrNoLeader. Split-brain (two claimants) is not detected here;
// tests that care compare calls over time.
func (c *Cluster) Leader() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, kv := range c.servers {
		if kv != nil && kv.IsLeader() {
			return i, nil
		}
	}
	return -1, ErrNoLeader
}

// Begin starts a test phase: prints the label and snapshots the RPC
// baseline and the operation counter.
func (c *Cluster) Begin(label string) {
	color.New(color.Bold).Printf("%s ...\n", label)
	c.mu.Lock()
	c.t0 = time.Now()
	c.rpcs0 = c.net.GetTotalCount()
	c.mu.Unlock()
	c.ops.Store(0)
}

// Op counts one client operation toward the current phase.
func (c *Cluster) Op() {
	c.ops.Add(1)
}

// Ops returns the operation count of the current phase.
func (c *Cluster) Ops() int64 {
	return c.ops.Load()
}

// RPCTotal returns the network's total RPC send count.
func (c *Cluster) RPCTotal() int {
	return c.net.GetTotalCount()
}

// RPCBytesTotal returns the total bytes moved by RPC sends.
func (c *Cluster) RPCBytesTotal() int64 {
	return c.net.GetTotalBytes()
}

// Stats is what End reports for a finished phase.
type Stats struct {
	T     time.Duration // elapsed phase wall time
	Peers int           // number of servers
	RPCs  int           // RPC sends during the phase
	Ops   int64         // client operations during the phase
}

// End finishes a phase: enforces the budget, then reports elapsed
// time, RPC delta, and operation count. Reaching End means the phase
// logic itself saw no failure.
func (c *Cluster) End() Stats {
	c.checkBudget()

	c.mu.Lock()
	t := time.Since(c.t0)
	nrpc := c.net.GetTotalCount() - c.rpcs0
	c.mu.Unlock()

	st := Stats{T: t, Peers: c.n, RPCs: nrpc, Ops: c.ops.Load()}
	color.New(color.FgGreen).Printf("  ... Passed -- %5.1fs %2d %6d %5d\n",
		st.T.Seconds(), st.Peers, st.RPCs, st.Ops)
	return st
}

// LogSize returns the largest consensus log-state size across all
// slots' persisted-state handles, live or rolled over.
func (c *Cluster) LogSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	logsize := 0
	for _, ps := range c.saved {
		if ps != nil && ps.RaftStateSize() > logsize {
			logsize = ps.RaftStateSize()
		}
	}
	return logsize
}

// SnapshotSize returns the largest service snapshot size across all
// slots' persisted-state handles.
func (c *Cluster) SnapshotSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshotsize := 0
	for _, ps := range c.saved {
		if ps != nil && ps.SnapshotSize() > snapshotsize {
			snapshotsize = ps.SnapshotSize()
		}
	}
	return snapshotsize
}

// Cleanup kills every live slot and shuts the network down. The budget
// check still runs, so a test that overran and only got here through
// deferred cleanup still reports the violation.
func (c *Cluster) Cleanup() {
	c.mu.Lock()
	if c.cleaned {
		c.mu.Unlock()
		return
	}
	c.cleaned = true
	servers := make([]*kvserver.KVServer, len(c.servers))
	copy(servers, c.servers)
	c.mu.Unlock()

	for _, kv := range servers {
		if kv != nil {
			kv.Kill()
		}
	}
	c.net.Cleanup()
	c.checkBudget()
}

func (c *Cluster) checkBudget() {
	elapsed := time.Since(c.start)
	if elapsed > Budget {
		panic(&BudgetExceededError{Elapsed: elapsed, Budget: Budget})
	}
}
