package camgrab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultLoopTimeout is the retrieval timeout of a single-device loop.
	DefaultLoopTimeout = 1000 * time.Millisecond

	// stopTimeout bounds how long Stop waits for the loop goroutine.
	stopTimeout = 3 * time.Second
)

// LoopConfig configures a single-device acquisition loop.
type LoopConfig struct {
	// Timeout bounds each retrieval (default 1000ms). A timeout ends the loop.
	Timeout time.Duration
	// Strategy is the grab strategy used when the loop starts grabbing
	Strategy GrabStrategy
	// Observers are notified after every stored frame
	Observers []FrameObserver
	// ExitWhen ends the loop as an external stop when it returns true
	ExitWhen ExitFunc
	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// LoopStats contains loop counters.
type LoopStats struct {
	Session    string
	Frames     uint64
	LastSlot   int
	Running    bool
	StartedAt  time.Time
	StoppedAt  time.Time
	Terminated error
}

// Loop moves frames from one Handle into one FrameSink on its own goroutine
// until it is stopped or the device fails.
//
// The loop owns the handle from Start on: whatever ends the loop, the handle is
// stopped and then closed.
type Loop struct {
	handle *Handle
	sink   FrameSink
	cfg    LoopConfig
	logger *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	session   string
	startedAt time.Time
	stoppedAt time.Time

	frames   atomic.Uint64
	lastSlot atomic.Int64
	running  atomic.Bool
}

// NewLoop validates its inputs and builds a loop. The handle must be open and configured.
func NewLoop(h *Handle, sink FrameSink, cfg LoopConfig) (*Loop, error) {
	if h == nil {
		return nil, fmt.Errorf("camgrab: loop requires a device handle")
	}
	if sink == nil {
		return nil, fmt.Errorf("camgrab: loop requires a frame sink")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLoopTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		handle: h,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Start resets the sink, starts grabbing and launches the loop goroutine.
//
// If the sink cannot be reset or grabbing cannot start, the handle is closed and
// the error returned. Starting twice returns ErrAlreadyStarted.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done != nil {
		return ErrAlreadyStarted
	}

	if err := l.sink.Reset(); err != nil {
		l.cleanup()
		return fmt.Errorf("camgrab: reset sink: %w", err)
	}
	if err := l.handle.StartGrabbing(l.cfg.Strategy); err != nil {
		l.cleanup()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.session = uuid.NewString()
	l.startedAt = time.Now()
	l.running.Store(true)

	l.logger.Info("camgrab: acquisition loop started",
		"context", l.handle.Context(),
		"session", l.session,
		"timeout", l.cfg.Timeout,
		"strategy", l.cfg.Strategy.String(),
	)

	go l.run(runCtx, l.done)
	return nil
}

// Run starts the loop and blocks until it terminates.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Start(ctx); err != nil {
		return err
	}
	return l.Wait()
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	err := l.acquire(ctx)
	l.cleanup()

	l.mu.Lock()
	l.err = err
	l.stoppedAt = time.Now()
	l.mu.Unlock()
	l.running.Store(false)

	if err != nil {
		l.logger.Error("camgrab: acquisition loop failed",
			"context", l.handle.Context(),
			"error", err,
			"frames", l.frames.Load(),
		)
	} else {
		l.logger.Info("camgrab: acquisition loop stopped",
			"context", l.handle.Context(),
			"frames", l.frames.Load(),
		)
	}
	close(done)
}

// acquire returns nil on external stop and the terminal error otherwise.
func (l *Loop) acquire(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if l.cfg.ExitWhen != nil && l.cfg.ExitWhen() {
			l.logger.Info("camgrab: exit requested", "context", l.handle.Context())
			return nil
		}

		res, err := l.handle.Retrieve(ctx, l.cfg.Timeout)
		if err != nil {
			// a stop request wins over whatever the interrupted retrieval reported
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if !res.Succeeded() {
			err := res.Err()
			res.Release()
			return err
		}

		frame := res.Frame()
		slot, err := l.sink.Write(frame)
		if err != nil {
			res.Release()
			return fmt.Errorf("camgrab: write frame %d to sink: %w", frame.Seq, err)
		}
		l.frames.Add(1)
		l.lastSlot.Store(int64(slot))

		for _, obs := range l.cfg.Observers {
			obs.OnFrame(frame.Context, slot, frame)
		}

		l.logger.Debug("camgrab: frame stored",
			"context", frame.Context,
			"seq", frame.Seq,
			"slot", slot,
			"trace_id", frame.TraceID,
		)
		res.Release()
	}
}

// cleanup stops and closes the handle. Runs on every exit path.
func (l *Loop) cleanup() {
	if err := l.handle.StopGrabbing(); err != nil {
		l.logger.Warn("camgrab: stop grabbing failed", "context", l.handle.Context(), "error", err)
	}
	if err := l.handle.Close(); err != nil {
		l.logger.Warn("camgrab: close device failed", "context", l.handle.Context(), "error", err)
	}
}

// Stop requests termination and waits for the cleanup to finish.
// Idempotent and safe from any goroutine; returns nil when the loop never started.
func (l *Loop) Stop() error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(stopTimeout):
		l.logger.Warn("camgrab: stop timeout exceeded, loop still running",
			"context", l.handle.Context(),
			"timeout", stopTimeout,
		)
		return fmt.Errorf("camgrab: loop stop timeout after %v", stopTimeout)
	}
}

// Wait blocks until the loop has terminated and returns its terminal error:
// nil after an external stop, the device error otherwise.
func (l *Loop) Wait() error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()

	if done == nil {
		return nil
	}
	<-done

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Done is closed when the loop has terminated. Nil before Start.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() LoopStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LoopStats{
		Session:    l.session,
		Frames:     l.frames.Load(),
		LastSlot:   int(l.lastSlot.Load()),
		Running:    l.running.Load(),
		StartedAt:  l.startedAt,
		StoppedAt:  l.stoppedAt,
		Terminated: l.err,
	}
}
