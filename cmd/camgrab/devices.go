package main

import (
	"github.com/spf13/cobra"
)

func newDevicesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the devices the configured driver can see",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			driver, err := a.newDriver()
			if err != nil {
				return err
			}
			refs, err := driver.Enumerate(cmd.Context())
			if err != nil {
				return err
			}
			a.printer.Devices(refs)
			return nil
		},
	}
}
