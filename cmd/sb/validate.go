package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/signalbox/internal/session"
	"github.com/zulandar/signalbox/internal/validator"
)

func newValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate <session-id>",
		Short: "Run the validator gate over a finished session",
		Long: `Dispatches the validator against every completed task group. An accept
verdict closes the session; a reject reopens the specific failing groups,
which "sb run" then drives back through the review loop.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to Signalbox config file")
	return cmd
}

func runValidate(cmd *cobra.Command, configPath, sessionID string) error {
	out := cmd.OutOrStdout()

	cfg, st, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	mgr := &session.Manager{
		Store: st,
		Gate: &validator.Gate{
			Store:      st,
			Dispatcher: buildDispatcher(cfg),
			Notifier:   buildNotifier(cfg, st),
			Out:        out,
		},
		Out: out,
	}

	verdict, err := mgr.ProposeCompletion(cmd.Context(), sessionID)
	if err != nil {
		return err
	}

	if verdict.Verdict == validator.VerdictAccept {
		fmt.Fprintf(out, "Session %s validated and closed.\n", sessionID)
		return nil
	}
	fmt.Fprintf(out, "Validator rejected %s: %s\n", sessionID, verdict.Reason)
	fmt.Fprintf(out, "Failing groups reopened; resume with: sb run %s\n", sessionID)
	return nil
}

func newArchiveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "archive <session-id>",
		Short: "Archive a completed session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			mgr := &session.Manager{Store: st}
			if err := mgr.Archive(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s archived.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to Signalbox config file")
	return cmd
}
