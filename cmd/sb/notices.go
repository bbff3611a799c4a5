package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/zulandar/signalbox/internal/notify"
)

func newNoticesCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
	)

	cmd := &cobra.Command{
		Use:   "notices",
		Short: "List unacknowledged escalation notices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotices(cmd, configPath, sessionID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to Signalbox config file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "only notices for this session")

	cmd.AddCommand(newNoticesAckCmd())
	return cmd
}

func runNotices(cmd *cobra.Command, configPath, sessionID string) error {
	out := cmd.OutOrStdout()

	_, st, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	notices, err := notify.Inbox(st.DB(), sessionID)
	if err != nil {
		return err
	}
	if len(notices) == 0 {
		fmt.Fprintln(out, "No unacknowledged notices.")
		return nil
	}

	for _, n := range notices {
		tag := ""
		if n.Severity == "urgent" {
			tag = " [URGENT]"
		}
		fmt.Fprintf(out, "#%d%s %s", n.ID, tag, n.Subject)
		if n.TaskGroupID != "" {
			fmt.Fprintf(out, " (group %s)", n.TaskGroupID)
		}
		fmt.Fprintln(out)
		if n.Body != "" {
			fmt.Fprintf(out, "    %s\n", n.Body)
		}
	}
	return nil
}

func newNoticesAckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "ack <notice-id>",
		Short: "Acknowledge a notice and remove it from the inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("notice id must be numeric, got %q", args[0])
			}

			_, st, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			if err := notify.Acknowledge(st.DB(), uint(id)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Acknowledged #%d\n", id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to Signalbox config file")
	return cmd
}
