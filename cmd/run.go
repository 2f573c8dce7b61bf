package cmd

import (
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/raftbed/raftbed/config"
	"github.com/raftbed/raftbed/internal/clock"
	"github.com/raftbed/raftbed/internal/cluster"
	"github.com/raftbed/raftbed/internal/logging"
	"github.com/raftbed/raftbed/internal/observability"
	"github.com/raftbed/raftbed/internal/scenario"
)

var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>",
	Short: "Run a YAML fault-injection scenario against a fresh simulated cluster and print its stats as JSON.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config.Load(cmd.Flags())
		slog.SetDefault(logging.New())
		logging.EnableMany(config.Config.LogTags)
		return runScenario(args[0])
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runScenario(path string) error {
	f, s, err := scenario.Load(path)
	if err != nil {
		return err
	}

	var hooks []func(*cluster.Cluster)
	if addr := config.Config.MetricsAddr; addr != "" {
		hooks = append(hooks, func(c *cluster.Cluster) {
			observability.RegisterCustomCollector(observability.ClusterCollector(c))
			observability.Serve(addr)
			slog.Info("metrics endpoint up", slog.String("addr", addr))
		})
	}

	stats, err := scenario.Execute(f, s, clock.Real{}, hooks...)
	if err != nil {
		return fmt.Errorf("scenario %q: %w", f.Name, err)
	}

	b, err := json.MarshalIndent(map[string]any{
		"scenario":   f.Name,
		"elapsed_s":  stats.T.Seconds(),
		"peers":      stats.Peers,
		"rpcs":       stats.RPCs,
		"client_ops": stats.Ops,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
