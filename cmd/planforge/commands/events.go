package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <plan-id|correlation-id>",
		Short: "Show the audit event trail for a plan",
		Long: `Show the audit event trail for a plan, oldest first.

The argument is a plan ID or a correlation ID. Every plan transition,
job transition, device result, and token issuance or consumption is one
event.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			// A plan ID resolves to its correlation ID; anything else is
			// taken as a correlation ID directly.
			correlationID := args[0]
			if plan, err := app.planner.GetPlan(ctx, args[0]); err == nil && plan.CorrelationID != "" {
				correlationID = plan.CorrelationID
			}

			events, err := app.store.ListEventsByCorrelation(ctx, correlationID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(events)
			}
			if len(events) == 0 {
				fmt.Println("No events found")
				return nil
			}
			for _, ev := range events {
				line := fmt.Sprintf("%s  %-18s  %s",
					ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Type, ev.Message)
				if ev.DeviceID != "" {
					line += fmt.Sprintf(" [%s]", ev.DeviceID)
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	return cmd
}
