package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <plan-id>",
		Short: "Show a plan's status and its job history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			planID := args[0]

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			plan, err := app.planner.GetPlan(ctx, planID)
			if err != nil {
				return err
			}
			jobs, err := app.orch.ListJobs(ctx, planID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]any{"plan": plan, "jobs": jobs})
			}
			fmt.Printf("Plan %s: %s (%s, %d devices)\n",
				plan.ID, plan.Status, plan.Operation, len(plan.DeviceIDs))
			if len(jobs) == 0 {
				fmt.Println("No jobs yet")
				return nil
			}
			for _, job := range jobs {
				fmt.Println()
				printJob(job)
			}
			return nil
		},
	}

	return cmd
}
