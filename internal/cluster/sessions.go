package cluster

import (
	"log/slog"
	"math/rand"

	"github.com/raftbed/raftbed/internal/kvclient"
	"github.com/raftbed/raftbed/internal/labnet"
	"github.com/raftbed/raftbed/internal/logging"
)

// MakeClient creates a session with its own private endpoint to every
// server, connected for now only to the indices in to. The endpoint
// handles are shuffled so the session's preference order among servers
// is uncorrelated with peer index; the name registry still tracks them
// by index, so per-server revocation is exact.
func (c *Cluster) MakeClient(to []int) *kvclient.Clerk {
	c.mu.Lock()

	ends := make([]*labnet.ClientEnd, c.n)
	row := make([]string, c.n)
	for j := 0; j < c.n; j++ {
		name := c.names.Next()
		row[j] = name
		ends[j] = c.net.MakeEnd(name)
		c.net.Connect(name, servicename(j))
	}

	rand.Shuffle(len(ends), func(a, b int) {
		ends[a], ends[b] = ends[b], ends[a]
	})

	name := c.names.Next()
	ck := kvclient.New(name, ends)
	c.sessions[name] = row
	c.mu.Unlock()

	c.ConnectClient(ck, to)
	logging.VInfo("cluster", "session created",
		slog.String("session", name), slog.Any("to", to))
	return ck
}

// DeleteClient forgets a session. The underlying endpoint
// registrations are left behind; names are never reused, so leaking
// them is harmless for a bounded run.
func (c *Cluster) DeleteClient(ck *kvclient.Clerk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, ck.Name())
}

// ConnectClient enables the session's endpoints to the given server
// indices, independent of every other session's connectivity.
func (c *Cluster) ConnectClient(ck *kvclient.Clerk, to []int) {
	logging.VInfo("cluster", "connect session",
		slog.String("session", ck.Name()), slog.Any("to", to))
	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.sessions[ck.Name()]
	for _, j := range to {
		if j >= 0 && j < len(row) {
			c.net.Enable(row[j], true)
		}
	}
}

// DisconnectClient disables the session's endpoints to the given
// server indices.
func (c *Cluster) DisconnectClient(ck *kvclient.Clerk, from []int) {
	logging.VInfo("cluster", "disconnect session",
		slog.String("session", ck.Name()), slog.Any("from", from))
	c.mu.Lock()
	defer c.mu.Unlock()
	row := c.sessions[ck.Name()]
	for _, j := range from {
		if j >= 0 && j < len(row) {
			c.net.Enable(row[j], false)
		}
	}
}
