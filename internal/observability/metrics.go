// Package observability serves harness counters over a minimal
// Prometheus-compatible text endpoint. No external scrape dependency
// is pulled in; the format is plain enough to write by hand.
package observability

import (
	"fmt"
	"net/http"

	"github.com/raftbed/raftbed/internal/cluster"
)

// customCollectors contains callbacks that return fully formatted metric lines.
// Other packages can register lightweight metrics without introducing dependencies here.
var customCollectors []func() []string

// RegisterCustomCollector adds a collector function whose returned lines will be emitted on /metrics.
func RegisterCustomCollector(f func() []string) {
	customCollectors = append(customCollectors, f)
}

// ClusterCollector returns a collector exposing a cluster's RPC,
// operation, and persisted-size counters.
func ClusterCollector(c *cluster.Cluster) func() []string {
	return func() []string {
		return []string{
			fmt.Sprintf("raftbed_peers %d", c.N()),
			fmt.Sprintf("raftbed_rpc_sends_total %d", c.RPCTotal()),
			fmt.Sprintf("raftbed_rpc_bytes_total %d", c.RPCBytesTotal()),
			fmt.Sprintf("raftbed_client_ops_total %d", c.Ops()),
			fmt.Sprintf("raftbed_log_size_bytes %d", c.LogSize()),
			fmt.Sprintf("raftbed_snapshot_size_bytes %d", c.SnapshotSize()),
		}
	}
}

// SetupMetrics registers the /metrics endpoint on mux.
func SetupMetrics(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		for _, f := range customCollectors {
			if f == nil {
				continue
			}
			for _, line := range f() {
				if line == "" {
					continue
				}
				fmt.Fprintln(w, line)
			}
		}
	})
}

// Serve starts the metrics endpoint on addr in the background. The
// returned server can be Closed by the caller; listen errors after
// startup are dropped.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	SetupMetrics(mux)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
