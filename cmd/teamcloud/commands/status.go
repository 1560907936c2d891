package commands

import (
	"github.com/spf13/cobra"
)

func newStatusCommand(opts *options) *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "status TRACKING_ID",
		Short: "Show the status of a command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, err := opts.apiURL()
			if err != nil {
				return err
			}

			status, err := newAPIClient(baseURL).status(cmd.Context(), args[0], project)
			if err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), opts.jsonOutput).status(status)
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", "", "project id, slug or name the command belongs to")
	return cmd
}

func newCancelCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel TRACKING_ID",
		Short: "Cancel a running command",
		Long: `Cancel a running command.

The command stops at its next wait point. Providers that were already
dispatched are not recalled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, err := opts.apiURL()
			if err != nil {
				return err
			}

			status, err := newAPIClient(baseURL).cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), opts.jsonOutput).status(status)
		},
	}
}
