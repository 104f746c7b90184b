package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/autostop/internal/monitor"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one idle check",
	Long: `Run the idle check once. The workload is suspended when it is idle,
unless --dry-run is given.`,
	RunE: runCheck,
}

var (
	checkDryRun bool
	checkOutput string
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkDryRun, "dry-run", false, "Evaluate only, never suspend")
	checkCmd.Flags().StringVarP(&checkOutput, "output", "o", "text", "Output format (text, json, yaml)")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	a, _, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	res := a.CheckIdle(cmd.Context(), checkDryRun)
	if checkOutput != "text" {
		return writeOutput(cmd.OutOrStdout(), checkOutput, res)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "decision: %s\n", res.Decision)
	switch res.Decision {
	case monitor.Active, monitor.Idle, monitor.Suspended:
		fmt.Fprintf(out, "requests: %g over %s\n", res.Requests, res.Window)
	case monitor.TooYoung:
		fmt.Fprintf(out, "age:      %s (window %s)\n", res.Age, res.Window)
	}
	if res.Err != nil {
		return res.Err
	}
	return nil
}
