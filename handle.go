package camgrab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/camgrab/internal/fpsstats"
)

// fpsWindowSize is the number of recent frames used for rate statistics.
const fpsWindowSize = 64

// Handle wraps one Camera and enforces its lifecycle:
// bound → opened → configured → grabbing → stopped → closed.
//
// A Handle is owned by the component that started its grab session; only that
// owner calls Retrieve, StopGrabbing and Close. Stats may be read from any goroutine.
type Handle struct {
	cam    Camera
	ref    DeviceRef
	ctxID  int
	logger *slog.Logger

	mu         sync.Mutex
	open       bool
	configured bool
	grabbing   bool
	cfg        DeviceConfig
	strategy   GrabStrategy
	info       DeviceInfo

	frames    atomic.Uint64
	failures  atomic.Uint64
	timeouts  atomic.Uint64
	bytesRead atomic.Uint64
	lastSeq   atomic.Uint64
	lastAt    atomic.Int64
	window    *fpsstats.Window
}

// HandleOption customises a Handle.
type HandleOption func(*Handle)

// WithContextID sets the context identifier stamped on every frame.
func WithContextID(id int) HandleOption {
	return func(h *Handle) { h.ctxID = id }
}

// WithLogger sets the logger used by the handle.
func WithLogger(l *slog.Logger) HandleOption {
	return func(h *Handle) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHandle binds cam, enumerated as ref, to a new Handle. The device is not opened.
func NewHandle(cam Camera, ref DeviceRef, opts ...HandleOption) *Handle {
	h := &Handle{
		cam:    cam,
		ref:    ref,
		logger: slog.Default(),
		window: fpsstats.NewWindow(fpsWindowSize),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Open claims the device. Opening an open handle is a no-op.
func (h *Handle) Open(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.open {
		return nil
	}
	if err := h.cam.Open(ctx); err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return fmt.Errorf("camgrab: open %s: %w", h.ref, err)
		}
		return fmt.Errorf("camgrab: open %s: %w: %v", h.ref, ErrDeviceUnavailable, err)
	}
	h.open = true
	h.info = h.cam.Info()

	model := h.info.Model
	if model == "" {
		model = h.ref.Model
	}
	h.logger.Info("camgrab: device opened",
		"context", h.ctxID,
		"device", h.ref.ID,
		"driver", h.ref.Driver,
		"model", model,
		"serial", h.info.Serial,
	)
	return nil
}

// Configure applies cfg. Only valid while open and not grabbing.
func (h *Handle) Configure(cfg DeviceConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open {
		return fmt.Errorf("camgrab: configure %s: %w: device not open", h.ref, ErrInvalidConfiguration)
	}
	if h.grabbing {
		return fmt.Errorf("camgrab: configure %s: %w: device is grabbing", h.ref, ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("camgrab: configure %s: %w", h.ref, err)
	}
	if err := h.cam.Configure(cfg); err != nil {
		if errors.Is(err, ErrInvalidConfiguration) {
			return fmt.Errorf("camgrab: configure %s: %w", h.ref, err)
		}
		return fmt.Errorf("camgrab: configure %s: %w: %v", h.ref, ErrInvalidConfiguration, err)
	}
	h.cfg = cfg
	h.configured = true

	attrs := []any{
		"context", h.ctxID,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"pixel_format", cfg.PixelFormat.String(),
		"exposure_us", cfg.ExposureMicros,
	}
	if cfg.Gain != nil {
		attrs = append(attrs, "gain", *cfg.Gain)
	}
	h.logger.Info("camgrab: device configured", attrs...)
	return nil
}

// StartGrabbing begins continuous acquisition with the given strategy.
// Starting a grabbing handle is a no-op.
func (h *Handle) StartGrabbing(strategy GrabStrategy) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open {
		return fmt.Errorf("camgrab: start grabbing %s: %w", h.ref, ErrNotOpen)
	}
	if h.grabbing {
		return nil
	}
	if !h.configured {
		return fmt.Errorf("camgrab: start grabbing %s: %w: device not configured", h.ref, ErrInvalidConfiguration)
	}
	if err := h.cam.StartGrabbing(strategy, h.cfg); err != nil {
		return fmt.Errorf("camgrab: start grabbing %s: %w", h.ref, err)
	}
	h.grabbing = true
	h.strategy = strategy
	h.window.Reset()

	h.logger.Info("camgrab: grabbing started",
		"context", h.ctxID,
		"strategy", strategy.String(),
	)
	return nil
}

// Retrieve waits up to timeout for the next frame.
//
// Errors: ErrRetrievalTimeout, *TransportError, ErrNotGrabbing or ctx.Err().
// A failed grab is returned as a result whose Err() is a *DeviceError.
// The caller must Release the result.
func (h *Handle) Retrieve(ctx context.Context, timeout time.Duration) (*GrabResult, error) {
	return h.retrieve(ctx, timeout, true)
}

// retrieve implements Retrieve; polls from an array do not count as timeouts.
func (h *Handle) retrieve(ctx context.Context, timeout time.Duration, countTimeout bool) (*GrabResult, error) {
	h.mu.Lock()
	grabbing := h.grabbing
	h.mu.Unlock()

	if !grabbing {
		return nil, fmt.Errorf("camgrab: retrieve %s: %w", h.ref, ErrNotGrabbing)
	}

	res, err := h.cam.Retrieve(ctx, timeout)
	if err != nil {
		var te *TransportError
		switch {
		case errors.As(err, &te):
			te.Context = h.ctxID
			return nil, te
		case errors.Is(err, ErrRetrievalTimeout):
			if countTimeout {
				h.timeouts.Add(1)
			}
			return nil, fmt.Errorf("camgrab: context %d after %v: %w", h.ctxID, timeout, ErrRetrievalTimeout)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, &TransportError{Context: h.ctxID, Err: err}
		}
	}

	res.setContext(h.ctxID)
	if !res.Succeeded() {
		h.failures.Add(1)
		return res, nil
	}

	f := res.frame
	now := time.Now()
	if f.Timestamp.IsZero() {
		f.Timestamp = now
	}
	if f.TraceID == "" {
		f.TraceID = uuid.New().String()
	}
	if last := h.lastSeq.Load(); f.Seq <= last && h.frames.Load() > 0 {
		h.logger.Warn("camgrab: non-monotonic sequence from device",
			"context", h.ctxID,
			"seq", f.Seq,
			"last_seq", last,
		)
	}

	h.frames.Add(1)
	h.bytesRead.Add(uint64(len(f.Data)))
	h.lastSeq.Store(f.Seq)
	h.lastAt.Store(now.UnixNano())
	h.window.Add(now)
	return res, nil
}

// StopGrabbing ends the grab session. No-op when not grabbing.
func (h *Handle) StopGrabbing() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopLocked()
}

func (h *Handle) stopLocked() error {
	if !h.grabbing {
		return nil
	}
	h.grabbing = false
	if err := h.cam.StopGrabbing(); err != nil {
		return fmt.Errorf("camgrab: stop grabbing %s: %w", h.ref, err)
	}
	h.logger.Info("camgrab: grabbing stopped",
		"context", h.ctxID,
		"frames", h.frames.Load(),
		"failures", h.failures.Load(),
		"timeouts", h.timeouts.Load(),
	)
	return nil
}

// Close releases the device, stopping an active grab session first.
// No-op when not open.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.open {
		return nil
	}
	stopErr := h.stopLocked()

	h.open = false
	h.configured = false
	if err := h.cam.Close(); err != nil {
		return errors.Join(stopErr, fmt.Errorf("camgrab: close %s: %w", h.ref, err))
	}
	h.logger.Info("camgrab: device closed", "context", h.ctxID, "device", h.ref.ID)
	return stopErr
}

// Context returns the context identifier of the handle.
func (h *Handle) Context() int {
	return h.ctxID
}

// Ref returns the enumeration reference the handle was bound to.
func (h *Handle) Ref() DeviceRef {
	return h.ref
}

// Info returns the identity reported by the device once opened.
func (h *Handle) Info() DeviceInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// Config returns the last applied configuration.
func (h *Handle) Config() DeviceConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

// IsOpen reports whether the device is open.
func (h *Handle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

// IsGrabbing reports whether a grab session is active.
func (h *Handle) IsGrabbing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.grabbing
}

// Stats returns a snapshot of the handle counters. Safe from any goroutine.
func (h *Handle) Stats() HandleStats {
	st := HandleStats{
		Context:   h.ctxID,
		Device:    h.ref.String(),
		Frames:    h.frames.Load(),
		Failures:  h.failures.Load(),
		Timeouts:  h.timeouts.Load(),
		BytesRead: h.bytesRead.Load(),
		LastSeq:   h.lastSeq.Load(),
		Grabbing:  h.IsGrabbing(),
	}
	if ns := h.lastAt.Load(); ns > 0 {
		st.LastFrameAt = time.Unix(0, ns)
	}
	fps := h.window.Stats()
	st.FPS = FPSStats{
		Frames:    fps.Frames,
		Mean:      fps.Mean,
		StdDev:    fps.StdDev,
		Min:       fps.Min,
		Max:       fps.Max,
		JitterMax: fps.JitterMax,
		Stable:    fps.Stable,
	}
	return st
}
