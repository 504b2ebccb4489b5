package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/e7canasta/camgrab/internal/watch"
)

func newWatchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dir>",
		Short: "Follow the slots written into a ring directory",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := watch.New(args[0], a.logger)
			if err != nil {
				return err
			}
			ctx, cancel := a.signalContext(cmd.Context())
			defer cancel()

			a.printer.Hint("Watching %s", args[0])
			return w.Run(ctx, func(ev watch.Event) {
				action := "written"
				if ev.Removed {
					action = "removed"
				}
				fmt.Fprintf(a.stdout, "%s slot %02d %s %s\n",
					ev.At.Format("15:04:05.000"), ev.Slot, action, ev.Path)
			})
		},
	}
}
