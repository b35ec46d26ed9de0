package commands

import (
	"fmt"

	"github.com/planforge/planforge/pkg/engine"
	"github.com/spf13/cobra"
)

func newApplyCommand() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "apply <plan-id>",
		Short: "Execute an approved plan",
		Long: `Execute an approved plan against its target devices.

Devices are processed strictly one at a time, in plan order. The first
device failure halts the rollout and the remaining devices are skipped.
A device whose change applied but failed verification is rolled back to
its prior values.

Applying consumes the approval token; re-running a failed plan needs a
fresh approval.`,
		Example: `  # Apply with the token from planforge approve
  planforge apply 4f1c... --token eyJhbGci...

  # Policies with require_approval off need no token
  planforge apply 4f1c...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			planID := args[0]

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			job, err := app.orch.ApplyPlan(ctx, planID, token)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(job)
			}
			printJob(job)
			if job.Status != engine.JobStatusSuccess {
				return fmt.Errorf("job %s finished with status %s", job.ID, job.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "approval token issued by planforge approve")

	return cmd
}

func printJob(job *engine.Job) {
	fmt.Printf("Job %s (attempt %d): %s\n", job.ID, job.Attempt, job.Status)
	if job.Summary != "" {
		fmt.Printf("Summary: %s\n", job.Summary)
	}
	for _, r := range job.Results {
		switch {
		case r.Error != nil:
			fmt.Printf("  %-20s %-12s %s\n", r.DeviceID, r.Outcome, r.Error.Message)
		case r.RetryCount > 0:
			fmt.Printf("  %-20s %-12s (%d retries)\n", r.DeviceID, r.Outcome, r.RetryCount)
		default:
			fmt.Printf("  %-20s %s\n", r.DeviceID, r.Outcome)
		}
	}
}
