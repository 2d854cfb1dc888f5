package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var nudgeCmd = &cobra.Command{
	Use:   "nudge",
	Short: "Ask the running daemon to start a sync cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		delay, _ := cmd.Flags().GetDuration("delay")
		types, _ := cmd.Flags().GetStringSlice("types")

		client := newDebugClient(cmd)
		body := map[string]any{"delayMs": delay.Milliseconds()}
		if len(types) > 0 {
			body["types"] = types
		}
		if err := client.post(cmd.Context(), "/v1/requestNudge", body); err != nil {
			return err
		}
		fmt.Println(green.Render("nudge requested"))
		return nil
	},
}

func init() {
	addDebugAddrFlag(nudgeCmd)
	nudgeCmd.Flags().Duration("delay", 0, "Delay before the cycle starts")
	nudgeCmd.Flags().StringSlice("types", nil, "Restrict the nudge to these type patterns")
	rootCmd.AddCommand(nudgeCmd)
}
