package camgrab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxDevices limits how many enumerated devices an array attaches.
	DefaultMaxDevices = 2

	// DefaultArrayTimeout is the RetrieveAny timeout used by Run.
	DefaultArrayTimeout = 5000 * time.Millisecond

	// defaultPollSlice is the per-handle wait inside one round of RetrieveAny.
	defaultPollSlice = 5 * time.Millisecond
)

// ArrayState is the lifecycle state of a device array.
type ArrayState int

const (
	ArrayIdle ArrayState = iota
	ArrayAttached
	ArrayGrabbing
	ArrayStopped
)

// String returns a human-readable name of the state.
func (s ArrayState) String() string {
	switch s {
	case ArrayIdle:
		return "idle"
	case ArrayAttached:
		return "attached"
	case ArrayGrabbing:
		return "grabbing"
	case ArrayStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SinkFactory creates the sink for one context. Called once per attached context.
type SinkFactory func(contextID int) (FrameSink, error)

// ArrayConfig configures a device array.
type ArrayConfig struct {
	// MaxDevices caps the number of attached devices (default 2)
	MaxDevices int
	// Device is applied to every attached device
	Device DeviceConfig
	// Strategy is the grab strategy of every device
	Strategy GrabStrategy
	// Timeout bounds each RetrieveAny inside Run (default 5000ms)
	Timeout time.Duration
	// Interval pauses between successive retrievals (0 = none)
	Interval time.Duration
	// PollSlice is the per-device wait inside one retrieval round (default 5ms)
	PollSlice time.Duration
	// Sinks creates one sink per context; nil routes frames to observers only
	Sinks SinkFactory
	// Observers are notified after every routed frame
	Observers []FrameObserver
	// ExitWhen ends Run as an external stop when it returns true
	ExitWhen ExitFunc
	// Logger defaults to slog.Default()
	Logger *slog.Logger
}

// ContextStats contains per-context counters of an array.
type ContextStats struct {
	HandleStats
	// Stalls counts periods longer than the timeout without a frame from this context
	Stalls uint64
	// LastSlot is the sink slot of the newest frame
	LastSlot int
}

// ArrayStats contains array counters.
type ArrayStats struct {
	State    ArrayState
	Timeouts uint64
	Contexts []ContextStats
}

type arrayContext struct {
	handle   *Handle
	sink     FrameSink
	lastAt   time.Time
	stalled  bool
	stalls   atomic.Uint64
	lastSlot atomic.Int64
}

// Array coordinates a fixed set of devices retrieved through one goroutine.
//
// States: Idle → Attached → Grabbing → Stopped. A failed grab or a stalled
// device is contained to its context; a transport failure stops the array.
type Array struct {
	driver Driver
	cfg    ArrayConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    ArrayState
	contexts []*arrayContext
	next     int
	cancel   context.CancelFunc
	runDone  chan struct{}

	timeouts atomic.Uint64
}

// NewArray creates an idle array over driver.
func NewArray(driver Driver, cfg ArrayConfig) (*Array, error) {
	if driver == nil {
		return nil, fmt.Errorf("camgrab: array requires a driver")
	}
	if cfg.MaxDevices <= 0 {
		cfg.MaxDevices = DefaultMaxDevices
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultArrayTimeout
	}
	if cfg.PollSlice <= 0 {
		cfg.PollSlice = defaultPollSlice
	}
	if err := cfg.Device.Validate(); err != nil {
		return nil, fmt.Errorf("camgrab: array device config: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Array{driver: driver, cfg: cfg, logger: logger}, nil
}

// Attach enumerates devices, binds up to MaxDevices and opens and configures each.
//
// A device that cannot be opened or configured is closed and skipped; the
// remaining ones get contiguous context ids in attach order. Fails with
// ErrNoDevicesFound when enumeration is empty, or with the last device error
// when no device could be attached.
func (a *Array) Attach(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != ArrayIdle {
		return fmt.Errorf("camgrab: attach in state %s: %w", a.state, ErrAlreadyStarted)
	}

	refs, err := a.driver.Enumerate(ctx)
	if err != nil {
		return fmt.Errorf("camgrab: enumerate %s devices: %w", a.driver.Name(), err)
	}
	if len(refs) == 0 {
		return fmt.Errorf("camgrab: enumerate %s devices: %w", a.driver.Name(), ErrNoDevicesFound)
	}
	if len(refs) > a.cfg.MaxDevices {
		refs = refs[:a.cfg.MaxDevices]
	}

	var lastErr error
	for _, ref := range refs {
		id := len(a.contexts)
		h, err := a.attachOne(ctx, ref, id)
		if err != nil {
			lastErr = err
			a.logger.Warn("camgrab: skipping device",
				"device", ref.String(),
				"error", err,
			)
			continue
		}

		ac := &arrayContext{handle: h}
		if a.cfg.Sinks != nil {
			sink, err := a.cfg.Sinks(id)
			if err != nil {
				_ = h.Close()
				lastErr = fmt.Errorf("camgrab: sink for context %d: %w", id, err)
				a.logger.Warn("camgrab: skipping device", "device", ref.String(), "error", lastErr)
				continue
			}
			ac.sink = sink
		}
		a.contexts = append(a.contexts, ac)
	}

	if len(a.contexts) == 0 {
		return fmt.Errorf("camgrab: no device could be attached: %w", lastErr)
	}

	a.state = ArrayAttached
	a.logger.Info("camgrab: array attached",
		"driver", a.driver.Name(),
		"enumerated", len(refs),
		"attached", len(a.contexts),
	)
	return nil
}

func (a *Array) attachOne(ctx context.Context, ref DeviceRef, id int) (*Handle, error) {
	cam, err := a.driver.Attach(ref)
	if err != nil {
		return nil, fmt.Errorf("camgrab: attach %s: %w: %v", ref, ErrDeviceUnavailable, err)
	}
	h := NewHandle(cam, ref, WithContextID(id), WithLogger(a.logger))
	if err := h.Open(ctx); err != nil {
		return nil, err
	}
	if err := h.Configure(a.cfg.Device); err != nil {
		_ = h.Close()
		return nil, err
	}
	return h, nil
}

// StartGrabbing resets every sink and starts every device in context order.
// When one device fails to start, the devices already started are stopped again.
func (a *Array) StartGrabbing() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != ArrayAttached {
		return fmt.Errorf("camgrab: start grabbing in state %s: %w", a.state, ErrAlreadyStarted)
	}

	for _, ac := range a.contexts {
		if ac.sink != nil {
			if err := ac.sink.Reset(); err != nil {
				return fmt.Errorf("camgrab: reset sink of context %d: %w", ac.handle.Context(), err)
			}
		}
	}

	now := time.Now()
	for i, ac := range a.contexts {
		if err := ac.handle.StartGrabbing(a.cfg.Strategy); err != nil {
			for _, started := range a.contexts[:i] {
				_ = started.handle.StopGrabbing()
			}
			return err
		}
		ac.lastAt = now
	}

	a.state = ArrayGrabbing
	a.logger.Info("camgrab: array grabbing",
		"contexts", len(a.contexts),
		"strategy", a.cfg.Strategy.String(),
	)
	return nil
}

// RetrieveAny returns the next frame available from any device with its context id.
//
// Devices are polled round-robin, starting one past the device that delivered
// last, until timeout elapses. Failed grabs are returned as results (the caller
// decides); a *TransportError is returned as error. The caller must Release the result.
func (a *Array) RetrieveAny(ctx context.Context, timeout time.Duration) (int, *GrabResult, error) {
	a.mu.Lock()
	if a.state != ArrayGrabbing {
		state := a.state
		a.mu.Unlock()
		return -1, nil, fmt.Errorf("camgrab: retrieve in state %s: %w", state, ErrNotGrabbing)
	}
	contexts := a.contexts
	start := a.next
	a.mu.Unlock()

	deadline := time.Now().Add(timeout)
	n := len(contexts)
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return -1, nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			a.timeouts.Add(1)
			return -1, nil, fmt.Errorf("camgrab: no device delivered within %v: %w", timeout, ErrRetrievalTimeout)
		}

		ac := contexts[(start+i)%n]
		slice := a.cfg.PollSlice
		if slice > remaining {
			slice = remaining
		}

		res, err := ac.handle.retrieve(ctx, slice, false)
		if err != nil {
			if errors.Is(err, ErrRetrievalTimeout) {
				continue
			}
			return ac.handle.Context(), nil, err
		}

		a.mu.Lock()
		a.next = (start + i + 1) % n
		a.mu.Unlock()
		return ac.handle.Context(), res, nil
	}
}

// Run attaches (when idle), starts grabbing (when attached) and retrieves until
// ctx is cancelled, ExitWhen returns true, Stop is called or a transport error
// occurs. The array is stopped when Run returns; the error is nil for an external stop.
func (a *Array) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.runDone != nil || a.state == ArrayStopped {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.runDone = make(chan struct{})
	done := a.runDone
	state := a.state
	a.mu.Unlock()

	defer close(done)
	defer cancel()
	defer a.shutdown()

	if state == ArrayIdle {
		if err := a.Attach(runCtx); err != nil {
			return err
		}
	}
	if a.State() == ArrayAttached {
		if err := a.StartGrabbing(); err != nil {
			return err
		}
	}

	for {
		if runCtx.Err() != nil {
			return nil
		}
		if a.cfg.ExitWhen != nil && a.cfg.ExitWhen() {
			a.logger.Info("camgrab: exit requested")
			return nil
		}

		id, res, err := a.RetrieveAny(runCtx, a.cfg.Timeout)
		switch {
		case err == nil:
			a.route(id, res)
		case runCtx.Err() != nil:
			return nil
		case IsTransport(err):
			a.logger.Error("camgrab: transport failure, stopping array",
				"context", id,
				"error", err,
			)
			return err
		case errors.Is(err, ErrRetrievalTimeout):
			a.logger.Warn("camgrab: no frame from any device",
				"timeout", a.cfg.Timeout,
				"contexts", a.Len(),
			)
		default:
			return err
		}

		a.checkStalls()

		if a.cfg.Interval > 0 {
			select {
			case <-time.After(a.cfg.Interval):
			case <-runCtx.Done():
				return nil
			}
		}
	}
}

// route handles one retrieval result and releases it.
func (a *Array) route(id int, res *GrabResult) {
	defer res.Release()

	ac := a.context(id)
	if ac == nil {
		return
	}
	if !res.Succeeded() {
		a.logger.Error("camgrab: grab failed",
			"context", id,
			"code", res.ErrorCode(),
			"description", res.ErrorDescription(),
		)
		return
	}

	frame := res.Frame()
	ac.lastAt = frame.Timestamp
	if ac.stalled {
		ac.stalled = false
		a.logger.Info("camgrab: context recovered", "context", id, "seq", frame.Seq)
	}

	slot := 0
	if ac.sink != nil {
		var err error
		slot, err = ac.sink.Write(frame)
		if err != nil {
			a.logger.Error("camgrab: sink write failed",
				"context", id,
				"seq", frame.Seq,
				"error", err,
			)
			return
		}
		ac.lastSlot.Store(int64(slot))
	}

	for _, obs := range a.cfg.Observers {
		obs.OnFrame(id, slot, frame)
	}
}

// checkStalls reports contexts that have not delivered within the timeout.
// A stall is reported once and never stops the array.
func (a *Array) checkStalls() {
	now := time.Now()
	for _, ac := range a.snapshot() {
		if ac.stalled || now.Sub(ac.lastAt) < a.cfg.Timeout {
			continue
		}
		ac.stalled = true
		ac.stalls.Add(1)
		a.logger.Warn("camgrab: context stalled",
			"context", ac.handle.Context(),
			"since", ac.lastAt,
			"timeout", a.cfg.Timeout,
		)
	}
}

// Stop stops every device and then closes every device.
//
// Idempotent and safe from any goroutine. When Run is active, Stop cancels it
// and waits for its cleanup.
func (a *Array) Stop() error {
	a.mu.Lock()
	cancel, done := a.cancel, a.runDone
	a.mu.Unlock()

	if done != nil {
		cancel()
		select {
		case <-done:
			return nil
		case <-time.After(stopTimeout):
			a.logger.Warn("camgrab: stop timeout exceeded, array still running", "timeout", stopTimeout)
			return fmt.Errorf("camgrab: array stop timeout after %v", stopTimeout)
		}
	}
	return a.shutdown()
}

func (a *Array) shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == ArrayStopped {
		return nil
	}
	prev := a.state
	a.state = ArrayStopped

	var errs []error
	for _, ac := range a.contexts {
		if err := ac.handle.StopGrabbing(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ac := range a.contexts {
		if err := ac.handle.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	a.logger.Info("camgrab: array stopped",
		"previous_state", prev.String(),
		"contexts", len(a.contexts),
		"timeouts", a.timeouts.Load(),
	)
	return errors.Join(errs...)
}

// State returns the current lifecycle state.
func (a *Array) State() ArrayState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Len returns the number of attached contexts.
func (a *Array) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.contexts)
}

// Contexts returns the attached context ids in ascending order.
func (a *Array) Contexts() []int {
	ids := make([]int, 0, a.Len())
	for _, ac := range a.snapshot() {
		ids = append(ids, ac.handle.Context())
	}
	sort.Ints(ids)
	return ids
}

// Handle returns the handle of a context, nil when unknown.
func (a *Array) Handle(contextID int) *Handle {
	if ac := a.context(contextID); ac != nil {
		return ac.handle
	}
	return nil
}

// Stats returns a snapshot of the array counters.
func (a *Array) Stats() ArrayStats {
	st := ArrayStats{State: a.State(), Timeouts: a.timeouts.Load()}
	for _, ac := range a.snapshot() {
		st.Contexts = append(st.Contexts, ContextStats{
			HandleStats: ac.handle.Stats(),
			Stalls:      ac.stalls.Load(),
			LastSlot:    int(ac.lastSlot.Load()),
		})
	}
	return st
}

func (a *Array) snapshot() []*arrayContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*arrayContext, len(a.contexts))
	copy(out, a.contexts)
	return out
}

func (a *Array) context(id int) *arrayContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 0 || id >= len(a.contexts) {
		return nil
	}
	return a.contexts[id]
}
