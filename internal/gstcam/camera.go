package gstcam

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/camgrab"
)

const (
	// pollSlice bounds each appsink pull so ctx and the bus are checked regularly.
	pollSlice = 50 * time.Millisecond

	// CodeIncomplete is the error code of a grab whose buffer size does not
	// match the negotiated format.
	CodeIncomplete = 0x0E01
	// CodeEmpty is the error code of a grab that carried no buffer.
	CodeEmpty = 0x0E02

	defaultQueueSize = 10
)

var initOnce sync.Once

func initGStreamer() {
	initOnce.Do(func() { gst.Init(nil) })
}

// Camera drives one GStreamer source through an appsink.
type Camera struct {
	source Source
	logger *slog.Logger

	mu       sync.Mutex
	pipe     *pipeline
	cfg      camgrab.DeviceConfig
	grabbing bool

	seq      atomic.Uint64
	errCount [4]atomic.Uint64
}

var _ camgrab.Camera = (*Camera)(nil)

// Open builds the pipeline and moves it to READY, which claims the device.
func (c *Camera) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipe != nil {
		return nil
	}
	p, err := c.claim(camgrab.PixelFormatBGR8)
	if err != nil {
		return err
	}
	c.pipe = p
	return nil
}

// claim creates a pipeline for format and sets it READY.
func (c *Camera) claim(format camgrab.PixelFormat) (*pipeline, error) {
	p, err := createPipeline(c.source.Launch, format)
	if err != nil {
		return nil, fmt.Errorf("gstcam: %s: %w: %v", c.source.ID, camgrab.ErrDeviceUnavailable, err)
	}
	if err := p.pipeline.SetState(gst.StateReady); err != nil {
		_, busErr := p.busError()
		_ = p.destroy()
		if busErr != nil {
			err = busErr
		}
		return nil, fmt.Errorf("gstcam: %s: %w: %v", c.source.ID, camgrab.ErrDeviceUnavailable, err)
	}
	return p, nil
}

func (c *Camera) Info() camgrab.DeviceInfo {
	model := c.source.Model
	if model == "" {
		model = c.source.factory()
	}
	return camgrab.DeviceInfo{Model: model, Vendor: "gstreamer", Serial: c.source.ID}
}

// Configure applies size, format, rate and the optional exposure and gain
// properties of the source element. Switching to or from MJPEG rebuilds the pipeline.
func (c *Camera) Configure(cfg camgrab.DeviceConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipe == nil {
		return fmt.Errorf("gstcam: %s: %w", c.source.ID, camgrab.ErrNotOpen)
	}
	if _, err := buildCaps(cfg); err != nil {
		return fmt.Errorf("gstcam: %s: %w", c.source.ID, err)
	}

	if (cfg.PixelFormat == camgrab.PixelFormatMJPEG) != (c.pipe.format == camgrab.PixelFormatMJPEG) {
		if err := c.pipe.destroy(); err != nil {
			return fmt.Errorf("gstcam: %s: %w", c.source.ID, err)
		}
		c.pipe = nil
		p, err := c.claim(cfg.PixelFormat)
		if err != nil {
			return err
		}
		c.pipe = p
	}

	if err := c.pipe.setCaps(cfg); err != nil {
		return fmt.Errorf("gstcam: %s: %w: caps: %v", c.source.ID, camgrab.ErrInvalidConfiguration, err)
	}
	if c.source.ExposureProperty != "" && cfg.ExposureMicros > 0 {
		if err := c.pipe.source.SetProperty(c.source.ExposureProperty, cfg.ExposureMicros); err != nil {
			return fmt.Errorf("gstcam: %s: %w: %s: %v", c.source.ID, camgrab.ErrInvalidConfiguration,
				c.source.ExposureProperty, err)
		}
	}
	if c.source.GainProperty != "" && cfg.Gain != nil {
		if err := c.pipe.source.SetProperty(c.source.GainProperty, *cfg.Gain); err != nil {
			return fmt.Errorf("gstcam: %s: %w: %s: %v", c.source.ID, camgrab.ErrInvalidConfiguration,
				c.source.GainProperty, err)
		}
	}
	c.cfg = cfg
	return nil
}

// StartGrabbing sets the appsink buffering for strategy and the pipeline to PLAYING.
func (c *Camera) StartGrabbing(strategy camgrab.GrabStrategy, cfg camgrab.DeviceConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipe == nil {
		return fmt.Errorf("gstcam: %s: %w", c.source.ID, camgrab.ErrNotOpen)
	}
	if c.grabbing {
		return nil
	}

	queue := cfg.QueueSize
	if queue <= 0 {
		queue = defaultQueueSize
	}
	c.pipe.setBuffering(strategy, queue)

	if err := c.pipe.pipeline.SetState(gst.StatePlaying); err != nil {
		category, busErr := c.pipe.busError()
		if busErr != nil {
			err = busErr
		}
		_ = c.pipe.pipeline.SetState(gst.StateReady)
		if category == ErrCategoryNegotiation {
			return fmt.Errorf("gstcam: %s: %w: %v", c.source.ID, camgrab.ErrInvalidConfiguration, err)
		}
		return fmt.Errorf("gstcam: %s: start: %w", c.source.ID, err)
	}
	c.grabbing = true

	c.logger.Debug("gstcam: pipeline playing",
		"device", c.source.ID,
		"launch", buildLaunch(c.source.Launch, c.pipe.format),
		"strategy", strategy.String(),
	)
	return nil
}

// Retrieve pulls the next sample, polling the bus between short pulls.
func (c *Camera) Retrieve(ctx context.Context, timeout time.Duration) (*camgrab.GrabResult, error) {
	c.mu.Lock()
	p, cfg, grabbing := c.pipe, c.cfg, c.grabbing
	c.mu.Unlock()

	if p == nil || !grabbing {
		return nil, fmt.Errorf("gstcam: %s: %w", c.source.ID, camgrab.ErrNotGrabbing)
	}

	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if category, err := p.busError(); err != nil {
			c.errCount[category].Add(1)
			c.logger.Error("gstcam: pipeline error",
				"device", c.source.ID,
				"category", category.String(),
				"error", err,
			)
			return nil, &camgrab.TransportError{Err: fmt.Errorf("gstcam: %s: %w", c.source.ID, err)}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("gstcam: %s: %w", c.source.ID, camgrab.ErrRetrievalTimeout)
		}
		slice := pollSlice
		if slice > remaining {
			slice = remaining
		}

		sample := p.sink.TryPullSample(slice)
		if sample != nil {
			return c.result(sample, cfg), nil
		}
		if p.sink.IsEOS() {
			return nil, &camgrab.TransportError{Err: fmt.Errorf("gstcam: %s: end of stream", c.source.ID)}
		}
	}
}

// result copies the sample into a frame; GStreamer reuses its buffers.
func (c *Camera) result(sample *gst.Sample, cfg camgrab.DeviceConfig) *camgrab.GrabResult {
	seq := c.seq.Add(1)

	buffer := sample.GetBuffer()
	if buffer == nil {
		return camgrab.NewFailedGrab(CodeEmpty, fmt.Sprintf("frame %d: sample without buffer", seq), nil)
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return camgrab.NewFailedGrab(CodeEmpty, fmt.Sprintf("frame %d: empty buffer", seq), nil)
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	if want := cfg.PixelFormat.FrameSize(cfg.Width, cfg.Height); want > 0 && len(frameData) != want {
		return camgrab.NewFailedGrab(CodeIncomplete,
			fmt.Sprintf("frame %d: got %d bytes, expected %d", seq, len(frameData), want), nil)
	}

	return camgrab.NewGrabResult(&camgrab.Frame{
		Seq:         seq,
		Width:       cfg.Width,
		Height:      cfg.Height,
		PixelFormat: cfg.PixelFormat,
		Data:        frameData,
	}, nil)
}

// StopGrabbing pauses the pipeline back to READY; the device stays claimed.
func (c *Camera) StopGrabbing() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipe == nil || !c.grabbing {
		return nil
	}
	c.grabbing = false
	if err := c.pipe.pipeline.SetState(gst.StateReady); err != nil {
		return fmt.Errorf("gstcam: %s: stop: %w", c.source.ID, err)
	}
	return nil
}

// Close sets the pipeline to NULL.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pipe == nil {
		return nil
	}
	c.grabbing = false
	err := c.pipe.destroy()
	c.pipe = nil
	if err != nil {
		return fmt.Errorf("gstcam: %s: %w", c.source.ID, err)
	}
	return nil
}

// ErrorCounts returns the number of pipeline errors per category.
func (c *Camera) ErrorCounts() map[string]uint64 {
	out := make(map[string]uint64, len(c.errCount))
	for i := range c.errCount {
		out[ErrorCategory(i).String()] = c.errCount[i].Load()
	}
	return out
}
