package cluster

import (
	"log/slog"

	"github.com/raftbed/raftbed/internal/logging"
)

// Topology operations. All of them are idempotent and total: unknown,
// duplicate, or currently-absent indices are tolerated as no-ops, so a
// test can drive servers in and out of existence in any order without
// the harness itself failing.

// Connect enables the links between server i and every server in to,
// in both directions.
func (c *Cluster) Connect(i int, to []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectLocked(i, to)
}

// Disconnect disables the links between server i and every server in
// from, in both directions.
func (c *Cluster) Disconnect(i int, from []int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectLocked(i, from)
}

// ConnectAll enables every pairwise link.
func (c *Cluster) ConnectAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < c.n; i++ {
		c.connectLocked(i, c.All())
	}
}

// Partition splits connectivity into two groups: full connectivity
// inside each of p1 and p2, none across. Indices in neither group keep
// whatever connectivity they had.
func (c *Cluster) Partition(p1 []int, p2 []int) {
	logging.VInfo("cluster", "partitioning",
		slog.Any("p1", p1), slog.Any("p2", p2))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, i := range p1 {
		c.disconnectLocked(i, p2)
		c.connectLocked(i, p1)
	}
	for _, i := range p2 {
		c.disconnectLocked(i, p1)
		c.connectLocked(i, p2)
	}
}

// MakePartition builds a near-even bipartition that puts the current
// leader in the minority group: the majority gets a quorum of
// non-leader peers, the minority the rest plus the leader. This is the
// adversarial split: the majority must elect and make progress while
// the incumbent leader's side cannot.
//
// With no discernible leader the split is built as if 0 led.
func (c *Cluster) MakePartition() ([]int, []int) {
	l, err := c.Leader()
	if err != nil {
		logging.VInfo("cluster", "make-partition with no leader, defaulting to 0")
		l = 0
	}
	p1 := make([]int, 0, c.n/2+1)
	p2 := make([]int, 0, c.n/2)
	for i := 0; i < c.n; i++ {
		if i == l {
			continue
		}
		if len(p1) < c.n/2+1 {
			p1 = append(p1, i)
		} else {
			p2 = append(p2, i)
		}
	}
	p2 = append(p2, l)
	return p1, p2
}

// connectLocked enables i's outgoing links to each j in to, and each
// j's outgoing link back to i. Callers hold c.mu.
func (c *Cluster) connectLocked(i int, to []int) {
	logging.VInfo("cluster", "connect",
		slog.Int("peer", i), slog.Any("to", to))

	// outgoing links
	for _, j := range to {
		if len(c.endnames[i]) > 0 && j >= 0 && j < c.n {
			c.net.Enable(c.endnames[i][j], true)
		}
	}
	// incoming links
	for _, j := range to {
		if j >= 0 && j < c.n && len(c.endnames[j]) > 0 {
			c.net.Enable(c.endnames[j][i], true)
		}
	}
}

// disconnectLocked is the symmetric disable; an empty endpoint-name
// row (slot mid-restart) is skipped, not an error. Callers hold c.mu.
func (c *Cluster) disconnectLocked(i int, from []int) {
	logging.VInfo("cluster", "disconnect",
		slog.Int("peer", i), slog.Any("from", from))

	for _, j := range from {
		if len(c.endnames[i]) > 0 && j >= 0 && j < c.n {
			c.net.Enable(c.endnames[i][j], false)
		}
	}
	for _, j := range from {
		if j >= 0 && j < c.n && len(c.endnames[j]) > 0 {
			c.net.Enable(c.endnames[j][i], false)
		}
	}
}
