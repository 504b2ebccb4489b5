package main

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/e7canasta/camgrab"
	"github.com/e7canasta/camgrab/composite"
	"github.com/e7canasta/camgrab/internal/report"
	"github.com/e7canasta/camgrab/internal/restart"
)

type grabOptions struct {
	device    string
	maxFrames uint64
}

func newGrabCommand(a *app) *cobra.Command {
	var opts grabOptions
	cmd := &cobra.Command{
		Use:   "grab",
		Short: "Grab frames from one device into its ring",
		Long: `grab opens the first enumerated device (or --device), configures it and
stores every retrieved frame in the next ring slot until interrupted. A
retrieval timeout or a failed grab ends the session.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.signalContext(cmd.Context())
			defer cancel()
			return a.runGrab(ctx, cancel, opts)
		},
	}
	cmd.Flags().StringVar(&opts.device, "device", "", "device id to grab from (default: first enumerated)")
	cmd.Flags().Uint64Var(&opts.maxFrames, "max-frames", 0, "stop after this many frames (0: unlimited)")
	return cmd
}

func (a *app) runGrab(ctx context.Context, stop context.CancelFunc, opts grabOptions) error {
	driver, err := a.newDriver()
	if err != nil {
		return err
	}
	ring, err := a.newRing(a.cfg.Sink.Dir)
	if err != nil {
		return err
	}
	view, err := composite.New(1, a.cfg.CompositeConfig())
	if err != nil {
		return err
	}

	var current atomic.Pointer[camgrab.Handle]
	runner := restart.New(a.cfg.RestartConfig(), a.logger)

	statusMap := func() map[string]any {
		out := map[string]any{"mode": "grab", "restarts": runner.Restarts()}
		if h := current.Load(); h != nil {
			out["device"] = h.Stats()
		}
		return out
	}

	svc, err := a.newServices(ctx, view, statusMap, stop)
	if err != nil {
		return err
	}

	limit := &frameLimit{n: opts.maxFrames}
	exits := []camgrab.ExitFunc{limit.reached}
	if a.cfg.Grab.ExitKeys {
		keys, err := report.WatchKeys(os.Stdin)
		if err != nil {
			a.logger.Warn("camgrab: exit keys unavailable", "error", err)
		} else {
			defer keys.Close()
			exits = append(exits, keys.ExitFunc())
			a.printer.Hint("Press q or ESC to stop")
		}
	}

	observers := append([]camgrab.FrameObserver{view, limit}, svc.observers...)

	acquire := func(ctx context.Context) error {
		return runner.Run(ctx, func(ctx context.Context) error {
			h, err := a.openHandle(ctx, driver, opts.device)
			if err != nil {
				return err
			}
			current.Store(h)

			loop, err := camgrab.NewLoop(h, ring, camgrab.LoopConfig{
				Timeout:   a.cfg.LoopTimeout(),
				Strategy:  a.cfg.Strategy(),
				Observers: observers,
				ExitWhen:  anyExit(exits...),
				Logger:    a.logger,
			})
			if err != nil {
				_ = h.Close()
				return err
			}
			return loop.Run(ctx)
		})
	}

	printStatus := func() {
		if h := current.Load(); h != nil {
			a.printer.Handle(h.Stats())
		}
	}

	err = a.run(ctx, session{acquire: acquire, status: printStatus, svc: svc})
	printStatus()
	return err
}

// openHandle enumerates, attaches the device with id (or the first one), then
// opens and configures it. The handle is closed again on failure.
func (a *app) openHandle(ctx context.Context, driver camgrab.Driver, id string) (*camgrab.Handle, error) {
	refs, err := driver.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	ref, err := selectDevice(refs, id)
	if err != nil {
		return nil, err
	}
	a.printer.Devices([]camgrab.DeviceRef{ref})

	cam, err := driver.Attach(ref)
	if err != nil {
		return nil, err
	}
	h := camgrab.NewHandle(cam, ref, camgrab.WithLogger(a.logger))
	if err := h.Open(ctx); err != nil {
		_ = h.Close()
		return nil, err
	}
	if err := h.Configure(a.cfg.DeviceConfig()); err != nil {
		_ = h.Close()
		return nil, err
	}
	return h, nil
}

func selectDevice(refs []camgrab.DeviceRef, id string) (camgrab.DeviceRef, error) {
	if len(refs) == 0 {
		return camgrab.DeviceRef{}, camgrab.ErrNoDevicesFound
	}
	if id == "" {
		return refs[0], nil
	}
	for _, ref := range refs {
		if ref.ID == id {
			return ref, nil
		}
	}
	return camgrab.DeviceRef{}, fmt.Errorf("camgrab: device %q: %w", id, camgrab.ErrNoDevicesFound)
}
