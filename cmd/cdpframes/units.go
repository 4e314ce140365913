package main

import (
	"github.com/spf13/cobra"
)

func newUnitsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "units",
		Short: "Show the browser version and list its pages with their unit ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer client.Disconnect()

			version, err := client.Browser.Version(ctx)
			if err != nil {
				return err
			}
			units, err := client.Units(ctx)
			if err != nil {
				return err
			}

			printBrowser(cmd.OutOrStdout(), version)
			return printUnits(cmd.OutOrStdout(), units)
		},
	}
}
