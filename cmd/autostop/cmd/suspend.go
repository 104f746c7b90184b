package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var suspendCmd = &cobra.Command{
	Use:   "suspend",
	Short: "Suspend the workload now",
	Long: `Stash the live routing rules, point them at the fallback page, disarm the
idle check and scale the workload to zero, regardless of traffic.`,
	RunE: runSuspend,
}

func init() {
	rootCmd.AddCommand(suspendCmd)
}

func runSuspend(cmd *cobra.Command, _ []string) error {
	a, _, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	stashed, err := a.Suspend(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "suspended %s: %d rule(s) stashed (version %d)\n",
		a.Workload, len(stashed.Actions), stashed.Version)
	return nil
}
