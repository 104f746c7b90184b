package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/autostop/internal/app"
	"github.com/hugo-lorenzo-mato/autostop/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workload, routing and resume status",
	RunE:  runStatus,
}

var statusOutput string

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "text", "Output format (text, json, yaml)")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	a, _, err := openApp()
	if err != nil {
		return err
	}
	defer closeApp(a)

	// Registered but not started, so the configured schedules are listed.
	if err := a.RegisterSchedules(); err != nil {
		return err
	}
	st, err := a.Status(cmd.Context())
	if err != nil {
		return err
	}
	if statusOutput != "text" {
		return writeOutput(cmd.OutOrStdout(), statusOutput, st)
	}
	renderStatus(cmd.OutOrStdout(), st, newStyles(!noColor))
	return nil
}

type styles struct {
	title lipgloss.Style
	label lipgloss.Style
	good  lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
	muted lipgloss.Style
}

func newStyles(color bool) styles {
	if !color {
		plain := lipgloss.NewStyle()
		return styles{title: plain.Bold(true), label: plain, good: plain, warn: plain, bad: plain, muted: plain}
	}
	return styles{
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7C3AED")),
		label: lipgloss.NewStyle().Width(12).Foreground(lipgloss.Color("#9CA3AF")),
		good:  lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
		bad:   lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")),
		muted: lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")),
	}
}

func renderStatus(w io.Writer, st app.Status, s styles) {
	row := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", s.label.Render(label), value)
	}

	fmt.Fprintln(w, s.title.Render(string(st.Workload)))

	replicas := s.muted.Render("unknown")
	if st.Replicas != nil {
		replicas = fmt.Sprintf("%d", *st.Replicas)
		if *st.Replicas == 0 {
			replicas = s.warn.Render("0 (suspended)")
		}
	}
	row("Replicas", replicas)

	armed := s.warn.Render("disarmed")
	if st.Armed {
		armed = s.good.Render("armed")
	}
	row("Monitor", armed)

	routing := s.good.Render("live")
	if st.Resume.Stashed {
		routing = s.warn.Render("stashed")
	}
	row("Routing", routing)

	resume := string(st.Resume.Status)
	switch {
	case st.Resume.Running:
		resume = s.warn.Render(fmt.Sprintf("running %s (%s)", st.Resume.ExecutionID, st.Resume.Phase))
	case st.Resume.LastError != "":
		resume = s.bad.Render("failed: " + st.Resume.LastError)
	}
	row("Resume", resume)

	if len(st.Rules) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, s.title.Render("Rules"))
		for _, r := range st.Rules {
			target := r.Target
			if r.Kind == core.ActionForwardToFallback {
				target = s.warn.Render(target)
			}
			fmt.Fprintf(w, "  %s -> %s\n", r.ID, target)
		}
	}

	if len(st.Schedules) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, s.title.Render("Schedules"))
		for _, e := range st.Schedules {
			state := s.good.Render("enabled")
			if !e.Enabled {
				state = s.muted.Render("disabled")
			}
			fmt.Fprintf(w, "  %-10s %-14s %s\n", e.ID, e.Spec, state)
		}
	}

	if len(st.Errors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, s.bad.Render("Errors"))
		fmt.Fprintln(w, "  "+strings.Join(st.Errors, "\n  "))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, s.muted.Render("as of "+st.Time.Format(time.RFC3339)))
}
