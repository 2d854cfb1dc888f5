package main

import (
	"github.com/spf13/cobra"

	"github.com/driftlab/driftsync/internal/config"
)

// daemonCmd is an explicit alias for the root command's default behavior,
// so service managers can invoke `driftsync daemon`.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig(cmd)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		return runDaemon(cmd.Context(), cfg)
	},
}

func init() {
	daemonCmd.Flags().SortFlags = false
	daemonCmd.Flags().StringP("account", "a", "", "Account the client syncs as")
	daemonCmd.Flags().StringP("datadir", "d", config.DefaultDataDir, "Sync data directory")
	daemonCmd.Flags().StringP("server", "s", config.DefaultServerURL, "Sync server URL")
	rootCmd.AddCommand(daemonCmd)
}
