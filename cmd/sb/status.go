package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/signalbox/internal/session"
	"github.com/zulandar/signalbox/internal/store"
)

func newStatusCmd() *cobra.Command {
	var (
		configPath string
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show session progress",
		Long:  "Displays the session's task groups with status, stage, and counters, plus any blocked groups with their halt reasons. Use --watch for auto-refresh.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath, args[0], watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to Signalbox config file")
	cmd.Flags().BoolVar(&watch, "watch", false, "auto-refresh every 5 seconds")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath, sessionID string, watch bool) error {
	_, st, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	mgr := &session.Manager{Store: st}

	for {
		text, err := formatStatus(st, mgr, sessionID)
		if err != nil {
			return err
		}

		if watch {
			// Clear screen.
			fmt.Fprint(out, "\033[2J\033[H")
		}
		fmt.Fprint(out, text)

		if !watch {
			return nil
		}
		time.Sleep(5 * time.Second)
	}
}

func formatStatus(st *store.Store, mgr *session.Manager, sessionID string) (string, error) {
	stats, err := mgr.Stats(sessionID)
	if err != nil {
		return "", err
	}
	groups, err := st.GroupsBySession(sessionID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (%s): %d/%d completed (%.0f%%)\n\n",
		stats.SessionID, stats.Status, stats.Completed, stats.Total, stats.CompletionPct)

	for _, tg := range groups {
		line := fmt.Sprintf("  %-20s %-24s", tg.ID, tg.Status)
		if tg.CurrentStage != "" {
			line += fmt.Sprintf(" stage=%s", tg.CurrentStage)
		}
		if tg.ReviewIteration > 0 {
			line += fmt.Sprintf(" iter=%d", tg.ReviewIteration)
		}
		if tg.EscalationTier > 0 {
			line += fmt.Sprintf(" tier=%d", tg.EscalationTier)
		}
		if tg.BlockingIssueCount > 0 {
			line += fmt.Sprintf(" blocking=%d", tg.BlockingIssueCount)
		}
		fmt.Fprintln(&b, line)
	}

	if len(stats.Blocked) > 0 {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "Blocked:")
		for _, bg := range stats.Blocked {
			reason := bg.Reason
			if reason == "" {
				reason = "halted"
			}
			fmt.Fprintf(&b, "  %s: %s\n", bg.ID, reason)
		}
	}
	return b.String(), nil
}
