package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newApproveCommand() *cobra.Command {
	var approver string

	cmd := &cobra.Command{
		Use:   "approve <plan-id>",
		Short: "Approve a plan and issue an apply token",
		Long: `Approve a pending plan and issue a single-use approval token.

The token is bound to this plan, expires after the configured TTL, and
can be spent exactly once. It is printed here and never stored; losing
it means approving again for a fresh token.`,
		Example: `  planforge approve 4f1c... --approver alice`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			planID := args[0]

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			if app.tokens == nil {
				return fmt.Errorf("approval.signing_key is not configured")
			}

			who := resolveActor(approver)
			plan, err := app.planner.ApprovePlan(ctx, planID, who)
			if err != nil {
				return err
			}

			token, err := app.tokens.Issue(ctx, plan.ID, who)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(token)
			}
			fmt.Printf("Plan %s approved by %s\n", plan.ID, who)
			fmt.Printf("Token (single use, expires %s):\n", token.ExpiresAt.Format("15:04:05 MST"))
			fmt.Printf("  %s\n", token.Value)
			fmt.Printf("\nNext: planforge apply %s --token <token>\n", plan.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&approver, "approver", "", "approver identity, defaults to the OS user")

	return cmd
}
