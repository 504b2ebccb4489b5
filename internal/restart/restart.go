// Package restart reruns a failed acquisition session with exponential backoff.
package restart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/camgrab"
)

// Config contains the backoff parameters.
type Config struct {
	MaxRetries    int           // Maximum number of consecutive restarts (default: 5)
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
	ResetAfter    time.Duration // A session running this long resets the retry counter (default: 10 seconds)
}

// DefaultConfig returns the default backoff configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
		ResetAfter:    10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = d.ResetAfter
	}
	return c
}

// SessionFunc runs one acquisition session to completion. It returns nil on
// an external stop and the terminal error otherwise.
type SessionFunc func(ctx context.Context) error

// Runner restarts sessions that end with a retryable error.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	restarts atomic.Uint32
	retries  int

	// Retryable decides whether err warrants another session (default: IsRetryable)
	Retryable func(err error) bool
}

// New creates a runner. MaxRetries 0 disables restarts.
func New(cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg.withDefaults(), logger: logger, Retryable: IsRetryable}
}

// Run calls fn until it stops cleanly, fails with a non-retryable error, the
// retries are exhausted or ctx is cancelled. Cancellation is a clean stop.
func (r *Runner) Run(ctx context.Context, fn SessionFunc) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		err := fn(ctx)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !r.Retryable(err) {
			return err
		}
		if time.Since(started) >= r.cfg.ResetAfter {
			r.retries = 0
		}

		r.retries++
		r.restarts.Add(1)
		if r.retries > r.cfg.MaxRetries {
			return fmt.Errorf("restart: max retries exceeded (%d attempts): %w", r.cfg.MaxRetries, err)
		}

		delay := Backoff(r.retries, r.cfg)
		r.logger.Warn("restart: session failed, restarting",
			"error", err,
			"attempt", r.retries,
			"max_retries", r.cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.logger.Info("restart: context cancelled during backoff")
			return nil
		}
	}
}

// Restarts returns the total number of restarts.
func (r *Runner) Restarts() uint32 {
	return r.restarts.Load()
}

// IsRetryable reports whether a session error may clear on its own: timeouts,
// device and transport faults and unavailable devices. Configuration errors are final.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, camgrab.ErrInvalidConfiguration) || errors.Is(err, camgrab.ErrNoDevicesFound) {
		return false
	}
	var de *camgrab.DeviceError
	return errors.Is(err, camgrab.ErrRetrievalTimeout) ||
		errors.Is(err, camgrab.ErrDeviceUnavailable) ||
		errors.As(err, &de) ||
		camgrab.IsTransport(err)
}

// Backoff returns RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func Backoff(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 31 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
