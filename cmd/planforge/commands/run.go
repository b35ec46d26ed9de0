package commands

import (
	"fmt"

	"github.com/planforge/planforge/pkg/device"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var params map[string]string

	cmd := &cobra.Command{
		Use:   "run <device-id> <template-id>",
		Short: "Run a pre-approved diagnostic command on a device",
		Long: `Run a pre-approved diagnostic command on a device.

Only registered command templates can run; arbitrary command strings are
rejected. Parameters are substituted into the template after validation.`,
		Example: `  # List available templates
  planforge run --list

  # Ping a host from a switch
  planforge run sw-core-01 ping-host --param host=10.0.0.1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			listOnly, _ := cmd.Flags().GetBool("list")
			if listOnly {
				for _, t := range device.NewCommandRegistry().List() {
					fmt.Printf("%-16s %s\n", t.ID, t.Description)
				}
				return nil
			}
			if len(args) != 2 {
				return fmt.Errorf("expected <device-id> <template-id>")
			}

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.close(ctx)

			output, err := app.devices.RunCommand(ctx, args[0], args[1], params)
			if err != nil {
				return err
			}
			fmt.Print(output)
			return nil
		},
	}

	cmd.Flags().StringToStringVar(&params, "param", nil, "template parameter as key=value, repeatable")
	cmd.Flags().Bool("list", false, "list available command templates")

	return cmd
}
