package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var clearDataCmd = &cobra.Command{
	Use:   "clear-data",
	Short: "Ask the running daemon to wipe this account's server-side data",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			fmt.Print(red.Render("This deletes all synced data on the server.") + " Continue? [y/N] ")
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
				fmt.Println("aborted")
				return nil
			}
		}

		client := newDebugClient(cmd)
		if err := client.post(cmd.Context(), "/v1/requestClearServerData", nil); err != nil {
			return err
		}
		fmt.Println(green.Render("clear requested"))
		return nil
	},
}

func init() {
	addDebugAddrFlag(clearDataCmd)
	clearDataCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
	rootCmd.AddCommand(clearDataCmd)
}
