package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// session is one acquisition run with its consumers and optional status printing.
type session struct {
	acquire func(ctx context.Context) error
	status  func()
	svc     *services
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func (a *app) signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			a.logger.Info("camgrab: received shutdown signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// run starts the consumers, then acquisition. When ctx ends first the consumers
// are stopped before acquisition is cancelled, and acquisition gets the
// configured shutdown timeout to finish its cleanup.
func (a *app) run(ctx context.Context, s session) error {
	if err := s.svc.start(ctx); err != nil {
		return err
	}

	acqCtx, cancelAcq := context.WithCancel(context.Background())
	defer cancelAcq()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.acquire(acqCtx)
	}()

	if s.status != nil && a.cfg.Grab.StatusEveryS > 0 {
		statusDone := make(chan struct{})
		defer close(statusDone)
		go func() {
			ticker := time.NewTicker(time.Duration(a.cfg.Grab.StatusEveryS) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					s.status()
				case <-statusDone:
					return
				}
			}
		}()
	}

	select {
	case err := <-errCh:
		s.svc.stop()
		return err

	case <-ctx.Done():
		timeout := a.cfg.ShutdownTimeout()
		a.logger.Info("camgrab: shutting down", "timeout", timeout)

		s.svc.stop()
		cancelAcq()

		select {
		case err := <-errCh:
			a.logger.Info("camgrab: shutdown complete")
			return err
		case <-time.After(timeout):
			a.logger.Warn("camgrab: shutdown timeout exceeded", "timeout", timeout)
			return fmt.Errorf("camgrab: acquisition still running after %v", timeout)
		}
	}
}
