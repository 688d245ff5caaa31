package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomhub/loomhub/cmd/loomhubd/commands"
	"github.com/loomhub/loomhub/logger"
)

var rootCmd = &cobra.Command{
	Use:   "loomhubd",
	Short: "loomhub - memory and observation hub for AI coding assistants",
	Long: `loomhub - a long-running memory-and-observation service for AI coding assistants.

loomhub provides the job-dispatch substrate shared by every worker that
observes, summarizes, embeds, or otherwise processes coding-assistant
activity: a persistent store, a worker token service, a hub registry, a
task queue, a WebSocket control plane (the Worker Hub), a federated
router, and a dispatcher loop.

Examples:
  loomhubd config init           # Write a starting loomhub.toml
  loomhubd serve                 # Start the hub, dispatcher, and reaper
  loomhubd tokens create --name ci --scope instance
  loomhubd hubs list
  loomhubd tasks enqueue --type observation --capability default
  loomhubd worker run --token wt_...`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logger.Initialize(false)
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "increase output verbosity (repeat for more detail)")
	rootCmd.PersistentFlags().String("config", "", "path to a loomhub.toml config file")
	rootCmd.PersistentFlags().String("db", "", "path to the SQLite database (overrides config)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.TokensCmd)
	rootCmd.AddCommand(commands.HubsCmd)
	rootCmd.AddCommand(commands.TasksCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
