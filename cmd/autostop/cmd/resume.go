package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/autostop/internal/app"
	"github.com/hugo-lorenzo-mato/autostop/internal/core"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the workload and wait for it to finish",
	Long: `Start a resume (scale up, wait for health, restore routing, re-arm the
idle check) and wait for it. If another process is already resuming the
workload, report its execution and exit.`,
	RunE: runResume,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Finish a resume that was interrupted",
	RunE:  runReconcile,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func runResume(cmd *cobra.Command, _ []string) error {
	a, _, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	res, err := a.Resume(cmd.Context())
	if err != nil {
		return err
	}
	if res.AlreadyRunning {
		fmt.Fprintf(cmd.OutOrStdout(), "resume %s already running elsewhere\n", res.ExecutionID)
		return nil
	}
	return waitExecution(cmd, a, res.ExecutionID)
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	a, _, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	res, err := a.Reconcile(cmd.Context())
	if err != nil {
		return err
	}
	if res == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to reconcile")
		return nil
	}
	return waitExecution(cmd, a, res.ExecutionID)
}

// waitExecution blocks until the in-process execution ends and reports it.
func waitExecution(cmd *cobra.Command, a *app.App, id string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "resume %s started\n", id)
	a.Engine.Wait()

	exec, err := a.Store.LatestExecution(cmd.Context(), a.Workload)
	if err != nil {
		return err
	}
	if exec == nil || exec.ID != id {
		return fmt.Errorf("execution %s not recorded", id)
	}
	if exec.Phase == core.PhaseFailed {
		return fmt.Errorf("resume %s failed: %s", id, exec.Error)
	}
	fmt.Fprintf(out, "resume %s finished: %s\n", id, exec.Phase)
	return nil
}
