package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/e7canasta/camgrab"
	"github.com/e7canasta/camgrab/composite"
)

func newArrayCommand(a *app) *cobra.Command {
	var maxFrames uint64
	cmd := &cobra.Command{
		Use:   "array",
		Short: "Grab from every attached device into one ring per device",
		Long: `array attaches up to max_devices devices and retrieves from whichever is
ready next. Each device writes into its own ring (<sink.dir>/cam<N>). A failed
grab is reported against its device and acquisition continues; a transport
failure stops the whole array.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.signalContext(cmd.Context())
			defer cancel()
			return a.runArray(ctx, cancel, maxFrames)
		},
	}
	cmd.Flags().Uint64Var(&maxFrames, "max-frames", 0, "stop after this many frames across all devices (0: unlimited)")
	return cmd
}

func (a *app) runArray(ctx context.Context, stop context.CancelFunc, maxFrames uint64) error {
	driver, err := a.newDriver()
	if err != nil {
		return err
	}

	fan := &fanout{}
	limit := &frameLimit{n: maxFrames}
	fan.add(limit)

	arr, err := camgrab.NewArray(driver, camgrab.ArrayConfig{
		MaxDevices: a.cfg.MaxDevices,
		Device:     a.cfg.DeviceConfig(),
		Strategy:   a.cfg.Strategy(),
		Timeout:    a.cfg.ArrayTimeout(),
		Interval:   a.cfg.Interval(),
		Sinks: func(id int) (camgrab.FrameSink, error) {
			return a.newRing(contextDir(a.cfg.Sink.Dir, id))
		},
		Observers: []camgrab.FrameObserver{fan},
		ExitWhen:  limit.reached,
		Logger:    a.logger,
	})
	if err != nil {
		return err
	}
	if err := arr.Attach(ctx); err != nil {
		return err
	}

	refs := make([]camgrab.DeviceRef, 0, arr.Len())
	for _, id := range arr.Contexts() {
		refs = append(refs, arr.Handle(id).Ref())
	}
	a.printer.Devices(refs)

	// the view is sized by the attached count, so it joins the fanout after Attach
	view, err := composite.New(arr.Len(), a.cfg.CompositeConfig())
	if err != nil {
		_ = arr.Stop()
		return err
	}
	fan.add(view)

	statusMap := func() map[string]any {
		return map[string]any{"mode": "array", "array": arr.Stats()}
	}
	svc, err := a.newServices(ctx, view, statusMap, stop)
	if err != nil {
		_ = arr.Stop()
		return err
	}
	fan.add(svc.observers...)

	err = a.run(ctx, session{
		acquire: arr.Run,
		status:  func() { a.printer.Array(arr.Stats()) },
		svc:     svc,
	})
	if stopErr := arr.Stop(); stopErr != nil {
		a.logger.Warn("camgrab: array stop failed", "error", stopErr)
	}
	a.printer.Array(arr.Stats())
	return err
}
