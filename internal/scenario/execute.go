package scenario

import (
	"github.com/raftbed/raftbed/internal/clock"
	"github.com/raftbed/raftbed/internal/cluster"
)

// Execute brings up a cluster for the scenario, runs its script to
// completion, and tears the cluster down. The returned stats cover the
// whole run. Hooks run once after construction, before the script;
// callers use them to attach metrics to the live cluster.
func Execute(f File, s Script, clk clock.Clock, hooks ...func(*cluster.Cluster)) (cluster.Stats, error) {
	c := cluster.New(cluster.Options{
		N:            f.Servers,
		Unreliable:   f.Unreliable,
		MaxRaftState: f.MaxRaftState,
	})
	defer c.Cleanup()

	for _, h := range hooks {
		h(c)
	}

	rt := &Runtime{
		Cluster: c,
		Clerk:   c.MakeClient(c.All()),
	}

	c.Begin(f.Name)
	if err := s.Run(rt, clk); err != nil {
		return cluster.Stats{}, err
	}
	return c.End(), nil
}
