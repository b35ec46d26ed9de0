package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"

	"github.com/planforge/planforge/pkg/engine"
	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Create and inspect change plans",
		Long: `Create and inspect change plans.

A plan is an immutable description of a multi-device change. Creating a
plan modifies no device; it validates the targets, computes a per-device
change preview, and records the plan for approval.`,
	}

	cmd.AddCommand(newPlanCreateCommand())
	cmd.AddCommand(newPlanListCommand())
	cmd.AddCommand(newPlanShowCommand())
	cmd.AddCommand(newPlanCancelCommand())

	return cmd
}

func newPlanCreateCommand() *cobra.Command {
	var (
		requestFile       string
		operation         string
		deviceIDs         []string
		resource          string
		fields            map[string]string
		summary           string
		continueOnFailure bool
		actor             string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new change plan",
		Long: `Create a new change plan.

The change can be given inline with --resource and repeated --set flags,
or as a JSON request file for per-device overrides and non-string field
values. Devices are processed in the order given.`,
		Example: `  # Update DNS servers on two switches
  planforge plan create --operation dns.update \
    --device sw-core-01 --device sw-core-02 \
    --resource dns --set servers=10.0.0.53

  # Full request from a file
  planforge plan create --file change.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			req := engine.CreatePlanRequest{
				Operation:         operation,
				DeviceIDs:         deviceIDs,
				Summary:           summary,
				ContinueOnFailure: continueOnFailure,
			}
			if requestFile != "" {
				raw, err := os.ReadFile(requestFile)
				if err != nil {
					return fmt.Errorf("failed to read request file: %w", err)
				}
				if err := json.Unmarshal(raw, &req); err != nil {
					return fmt.Errorf("failed to parse request file: %w", err)
				}
			} else {
				req.Change = engine.ChangeSpec{
					Resource: resource,
					Desired:  engine.FieldMap{},
				}
				for k, v := range fields {
					req.Change.Desired[k] = v
				}
			}
			if req.CreatedBy == "" {
				req.CreatedBy = resolveActor(actor)
			}

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			plan, err := app.planner.CreatePlan(ctx, req)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(plan)
			}
			fmt.Printf("Plan %s created (%s)\n", plan.ID, plan.Status)
			printPreviews(plan)
			if plan.Status == engine.PlanStatusPendingApproval {
				fmt.Printf("\nNext: planforge approve %s --approver <name>\n", plan.ID)
			} else {
				fmt.Printf("\nNext: planforge apply %s\n", plan.ID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&requestFile, "file", "f", "", "JSON request file")
	cmd.Flags().StringVar(&operation, "operation", "", "operation name, e.g. dns.update")
	cmd.Flags().StringArrayVar(&deviceIDs, "device", nil, "target device ID, repeatable, order is execution order")
	cmd.Flags().StringVar(&resource, "resource", "", "device resource the change targets")
	cmd.Flags().StringToStringVar(&fields, "set", nil, "desired field value as key=value, repeatable")
	cmd.Flags().StringVar(&summary, "summary", "", "human-readable description of the intent")
	cmd.Flags().BoolVar(&continueOnFailure, "continue-on-failure", false, "keep processing remaining devices after a failure")
	cmd.Flags().StringVar(&actor, "actor", "", "identity creating the plan, defaults to the OS user")

	return cmd
}

func newPlanListCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			plans, err := app.planner.ListPlans(ctx, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(plans)
			}
			if len(plans) == 0 {
				fmt.Println("No plans found")
				return nil
			}
			for _, p := range plans {
				fmt.Printf("%s  %-16s  %-12s  %2d devices  %s\n",
					p.ID, p.Status, p.Operation, len(p.DeviceIDs), p.Summary)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of plans to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of plans to skip")

	return cmd
}

func newPlanShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan with its per-device change preview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			plan, err := app.planner.GetPlan(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(plan)
			}
			fmt.Printf("Plan:      %s\n", plan.ID)
			fmt.Printf("Status:    %s\n", plan.Status)
			fmt.Printf("Operation: %s\n", plan.Operation)
			fmt.Printf("Created:   %s by %s\n", plan.CreatedAt.Format("2006-01-02 15:04:05 MST"), plan.CreatedBy)
			if plan.ApprovedBy != "" {
				fmt.Printf("Approved:  by %s\n", plan.ApprovedBy)
			}
			if plan.Summary != "" {
				fmt.Printf("Summary:   %s\n", plan.Summary)
			}
			printPreviews(plan)
			return nil
		},
	}

	return cmd
}

func newPlanCancelCommand() *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "cancel <plan-id>",
		Short: "Cancel a plan that has not started applying",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			if err := app.planner.CancelPlan(ctx, args[0], resolveActor(actor)); err != nil {
				return err
			}
			fmt.Printf("Plan %s cancelled\n", args[0])
			return nil
		},
		Args: cobra.ExactArgs(1),
	}

	cmd.Flags().StringVar(&actor, "actor", "", "identity cancelling the plan, defaults to the OS user")

	return cmd
}

func printPreviews(plan *engine.Plan) {
	if len(plan.Previews) == 0 {
		return
	}
	fmt.Println("\nPreview:")
	for _, pv := range plan.Previews {
		if pv.Warning != "" {
			fmt.Printf("  %s: WARNING %s\n", pv.DeviceID, pv.Warning)
			continue
		}
		if len(pv.Changes) == 0 {
			fmt.Printf("  %s: no changes\n", pv.DeviceID)
			continue
		}
		fmt.Printf("  %s:\n", pv.DeviceID)
		for _, ch := range pv.Changes {
			fmt.Printf("    %s: %v -> %v\n", ch.Field, ch.Before, ch.After)
		}
	}
}

// resolveActor falls back to the OS user when no identity flag was given.
func resolveActor(flag string) string {
	if flag != "" {
		return flag
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}
