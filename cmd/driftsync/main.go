package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/version"
)

var (
	cyan  = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	green = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	red   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	gray  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var rootCmd = &cobra.Command{
	Use:           "driftsync",
	Short:         "DriftSync browser sync client",
	Version:       version.Detailed(),
	SilenceErrors: true,
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
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("account", "a", "", "Account the client syncs as")
	rootCmd.Flags().StringP("datadir", "d", config.DefaultDataDir, "Sync data directory")
	rootCmd.Flags().StringP("server", "s", config.DefaultServerURL, "Sync server URL")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file path")
}

// resolveConfig layers flags over the env and config file and validates the
// result.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.NewViper()
	v.BindPFlag("account", cmd.Flags().Lookup("account"))
	v.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	v.BindPFlag("server_url", cmd.Flags().Lookup("server"))

	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Resolve(v, path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red.Render("error:"), err)
		os.Exit(1)
	}
}
