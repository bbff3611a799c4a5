package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zulandar/signalbox/internal/session"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Work with task group plans",
	}

	cmd.AddCommand(newPlanCheckCmd())
	cmd.AddCommand(newPlanCreateCmd())
	return cmd
}

func newPlanCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <plan.yaml>",
		Short: "Validate a plan file without creating anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlanCheck(cmd, args[0])
		},
	}
	return cmd
}

func runPlanCheck(cmd *cobra.Command, path string) error {
	out := cmd.OutOrStdout()

	plan, err := session.LoadPlan(path)
	if err != nil {
		return err
	}

	if errs := session.ValidatePlan(plan); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(out, "  - %s\n", e)
		}
		return fmt.Errorf("plan has %d problem(s)", len(errs))
	}

	fmt.Fprintf(out, "Plan OK: %d task groups, %d dependencies\n", len(plan.Groups), len(plan.Deps))
	for _, g := range plan.Groups {
		fmt.Fprintf(out, "  %s: %s\n", g.ID, g.Description)
	}
	return nil
}

func newPlanCreateCmd() *cobra.Command {
	var (
		configPath string
		branch     string
	)

	cmd := &cobra.Command{
		Use:   "create <plan.yaml>",
		Short: "Create a session with pending task groups from a plan",
		Long: `Validates the plan and materializes it: one session, one pending task
group per entry, and the declared dependency edges. The engine picks the
groups up with "sb run".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlanCreate(cmd, configPath, args[0], branch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "signalbox.yaml", "path to Signalbox config file")
	cmd.Flags().StringVar(&branch, "branch", "", "initial branch ref (defaults to the configured target branch)")
	return cmd
}

func runPlanCreate(cmd *cobra.Command, configPath, planPath, branch string) error {
	out := cmd.OutOrStdout()

	cfg, st, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if branch == "" {
		branch = cfg.TargetBranch
	}

	plan, err := session.LoadPlan(planPath)
	if err != nil {
		return err
	}

	mgr := &session.Manager{Store: st, Out: out}
	sess, err := mgr.Create(plan, branch)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Session %s ready. Start it with: sb run %s\n", sess.ID, sess.ID)
	return nil
}
