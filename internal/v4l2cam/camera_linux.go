//go:build linux

package v4l2cam

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"

	"github.com/e7canasta/camgrab"
)

const (
	// CodeIncomplete is the error code of a buffer whose size does not match
	// the negotiated format.
	CodeIncomplete = 0x0E01

	defaultQueueSize = 10

	// exposureManual is the V4L2 exposure_auto value for manual exposure.
	exposureManual = 1
)

// Camera streams one device node through go4vl.
type Camera struct {
	path   string
	model  string
	logger *slog.Logger

	mu       sync.Mutex
	dev      *device.Device
	cfg      camgrab.DeviceConfig
	strategy camgrab.GrabStrategy
	cancel   context.CancelFunc
	grabbing atomic.Bool

	seq atomic.Uint64
}

var _ camgrab.Camera = (*Camera)(nil)

func newCamera(path, model string, logger *slog.Logger) *Camera {
	if logger == nil {
		logger = slog.Default()
	}
	return &Camera{path: path, model: model, logger: logger}
}

// Open opens the device node for memory-mapped streaming.
func (c *Camera) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev != nil {
		return nil
	}
	dev, err := device.Open(c.path, device.WithIOType(v4l2.IOTypeMMAP))
	if err != nil {
		return fmt.Errorf("v4l2cam: %s: %w: %v", c.path, camgrab.ErrDeviceUnavailable, err)
	}
	c.dev = dev
	return nil
}

func (c *Camera) Info() camgrab.DeviceInfo {
	return camgrab.DeviceInfo{Model: c.model, Vendor: "v4l2", Serial: c.path}
}

// Configure sets the pixel format and the manual exposure and gain controls.
func (c *Camera) Configure(cfg camgrab.DeviceConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev == nil {
		return fmt.Errorf("v4l2cam: %s: %w", c.path, camgrab.ErrNotOpen)
	}
	pixFmt, err := pixelFormat(cfg.PixelFormat)
	if err != nil {
		return fmt.Errorf("v4l2cam: %s: %w", c.path, err)
	}
	if err := c.dev.SetPixFormat(v4l2.PixFormat{
		PixelFormat: pixFmt,
		Width:       uint32(cfg.Width),
		Height:      uint32(cfg.Height),
		Field:       v4l2.FieldNone,
	}); err != nil {
		return fmt.Errorf("v4l2cam: %s: %w: format: %v", c.path, camgrab.ErrInvalidConfiguration, err)
	}
	if err := c.applyControls(cfg); err != nil {
		return err
	}
	c.cfg = cfg
	return nil
}

// applyControls sets manual exposure and gain when cfg asks for them.
func (c *Camera) applyControls(cfg camgrab.DeviceConfig) error {
	if cfg.ExposureMicros > 0 {
		if err := c.dev.SetControlValue(v4l2.CtrlExposureAuto, exposureManual); err != nil {
			return fmt.Errorf("v4l2cam: %s: %w: exposure_auto: %v", c.path, camgrab.ErrInvalidConfiguration, err)
		}
		// exposure_absolute is expressed in units of 100µs
		units := int32(cfg.ExposureMicros / 100)
		if units < 1 {
			units = 1
		}
		if err := c.dev.SetControlValue(v4l2.CtrlExposureAbsolute, units); err != nil {
			return fmt.Errorf("v4l2cam: %s: %w: exposure: %v", c.path, camgrab.ErrInvalidConfiguration, err)
		}
	}
	if cfg.Gain != nil {
		if err := c.dev.SetControlValue(v4l2.CtrlGain, int32(*cfg.Gain)); err != nil {
			return fmt.Errorf("v4l2cam: %s: %w: gain: %v", c.path, camgrab.ErrInvalidConfiguration, err)
		}
	}
	return nil
}

// StartGrabbing reopens the node with the buffer count for strategy and starts
// streaming. go4vl fixes the buffer count at open and closes its output
// channel when a stream ends, so every grab session gets a fresh node.
func (c *Camera) StartGrabbing(strategy camgrab.GrabStrategy, cfg camgrab.DeviceConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev == nil {
		return fmt.Errorf("v4l2cam: %s: %w", c.path, camgrab.ErrNotOpen)
	}
	if c.grabbing.Load() {
		return nil
	}
	pixFmt, err := pixelFormat(cfg.PixelFormat)
	if err != nil {
		return fmt.Errorf("v4l2cam: %s: %w", c.path, err)
	}

	buffers := 2
	if strategy == camgrab.OneByOne {
		buffers = cfg.QueueSize
		if buffers <= 0 {
			buffers = defaultQueueSize
		}
	}

	_ = c.dev.Close()
	opts := []device.Option{
		device.WithIOType(v4l2.IOTypeMMAP),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: pixFmt,
			Width:       uint32(cfg.Width),
			Height:      uint32(cfg.Height),
			Field:       v4l2.FieldNone,
		}),
		device.WithBufferSize(uint32(buffers)),
	}
	if cfg.FPS >= 1 {
		opts = append(opts, device.WithFPS(uint32(cfg.FPS)))
	}
	dev, err := device.Open(c.path, opts...)
	if err != nil {
		c.dev = nil
		return fmt.Errorf("v4l2cam: %s: %w: reopen: %v", c.path, camgrab.ErrDeviceUnavailable, err)
	}
	c.dev = dev
	if err := c.applyControls(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.dev.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("v4l2cam: %s: start: %w", c.path, err)
	}
	c.cancel = cancel
	c.cfg = cfg
	c.strategy = strategy
	c.grabbing.Store(true)

	c.logger.Debug("v4l2cam: streaming",
		"device", c.path,
		"format", cfg.PixelFormat.String(),
		"buffers", buffers,
		"strategy", strategy.String(),
	)
	return nil
}

// Retrieve waits for the next buffer. Under LatestOnly it drains buffered
// frames and keeps the newest.
func (c *Camera) Retrieve(ctx context.Context, timeout time.Duration) (*camgrab.GrabResult, error) {
	c.mu.Lock()
	dev, cfg, strategy := c.dev, c.cfg, c.strategy
	c.mu.Unlock()

	if dev == nil || !c.grabbing.Load() {
		return nil, fmt.Errorf("v4l2cam: %s: %w", c.path, camgrab.ErrNotGrabbing)
	}
	out := dev.GetOutput()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var data []byte
	var ok bool
	select {
	case data, ok = <-out:
	case <-timer.C:
		return nil, fmt.Errorf("v4l2cam: %s: %w", c.path, camgrab.ErrRetrievalTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if !ok {
		return nil, c.streamEnded()
	}
	if strategy == camgrab.LatestOnly {
	drain:
		for {
			select {
			case newer, more := <-out:
				if !more {
					return nil, c.streamEnded()
				}
				data = newer
			default:
				break drain
			}
		}
	}
	return c.result(data, cfg), nil
}

// streamEnded maps a closed output channel: expected after StopGrabbing,
// a transport failure otherwise.
func (c *Camera) streamEnded() error {
	if !c.grabbing.Load() {
		return fmt.Errorf("v4l2cam: %s: %w", c.path, camgrab.ErrNotGrabbing)
	}
	return &camgrab.TransportError{Err: fmt.Errorf("v4l2cam: %s: stream ended", c.path)}
}

func (c *Camera) result(data []byte, cfg camgrab.DeviceConfig) *camgrab.GrabResult {
	seq := c.seq.Add(1)

	if want := cfg.PixelFormat.FrameSize(cfg.Width, cfg.Height); want > 0 && len(data) != want {
		return camgrab.NewFailedGrab(CodeIncomplete,
			fmt.Sprintf("frame %d: got %d bytes, expected %d", seq, len(data), want), nil)
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	if cfg.PixelFormat == camgrab.PixelFormatBGR8 {
		swapRB(frameData)
	}
	return camgrab.NewGrabResult(&camgrab.Frame{
		Seq:         seq,
		Width:       cfg.Width,
		Height:      cfg.Height,
		PixelFormat: cfg.PixelFormat,
		Data:        frameData,
	}, nil)
}

// StopGrabbing ends the stream; the node stays open.
func (c *Camera) StopGrabbing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Camera) stopLocked() error {
	if !c.grabbing.Swap(false) {
		return nil
	}
	// the go4vl stream loop turns streaming off when its context ends
	c.cancel()
	c.cancel = nil
	return nil
}

// Close stops streaming if needed and closes the node.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dev == nil {
		return nil
	}
	_ = c.stopLocked()
	err := c.dev.Close()
	c.dev = nil
	if err != nil {
		return fmt.Errorf("v4l2cam: %s: close: %w", c.path, err)
	}
	return nil
}

// pixelFormat maps a pixel format to its V4L2 fourcc. BGR8 is captured as
// RGB24 and swapped on retrieval.
func pixelFormat(p camgrab.PixelFormat) (uint32, error) {
	switch p {
	case camgrab.PixelFormatBGR8, camgrab.PixelFormatRGB8:
		return v4l2.PixelFmtRGB24, nil
	case camgrab.PixelFormatYUYV:
		return v4l2.PixelFmtYUYV, nil
	case camgrab.PixelFormatMJPEG:
		return v4l2.PixelFmtMJPEG, nil
	default:
		return 0, fmt.Errorf("%w: pixel format %s not supported by v4l2", camgrab.ErrInvalidConfiguration, p)
	}
}
