package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		pool       int
		poll       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <session-id>",
		Short: "Run the orchestration engine for a session",
		Long: `Drives the session's task groups through the review loop, the merge
coordinator, and the validator gate until the session closes or nothing can
make progress. Restart-safe: a fresh run resumes from persisted state.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd, configPath, args[0], pool, poll)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to Signalbox config file")
	cmd.Flags().IntVar(&pool, "pool", 0, "max parallel task groups (overrides config)")
	cmd.Flags().DurationVar(&poll, "poll", 0, "scheduler poll interval (overrides default)")
	return cmd
}

func runEngine(cmd *cobra.Command, configPath, sessionID string, pool int, poll time.Duration) error {
	out := cmd.OutOrStdout()

	cfg, st, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	if _, err := st.GetSession(sessionID); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := buildEngine(ctx, cfg, st, out)
	if pool > 0 {
		eng.PoolSize = pool
	}
	if poll > 0 {
		eng.PollInterval = poll
	}

	if err := eng.Run(ctx, sessionID); err != nil {
		return err
	}

	if ctx.Err() != nil {
		fmt.Fprintln(out, "Interrupted; state is persisted, rerun to resume.")
	}
	return nil
}
