package gstcam

import (
	"fmt"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/camgrab"
)

// Element names inside the launch description.
const (
	sourceName = "src"
	capsName   = "caps"
	sinkName   = "sink"
)

// pipeline holds references to the elements the camera drives.
type pipeline struct {
	pipeline *gst.Pipeline
	source   *gst.Element
	caps     *gst.Element
	sink     *app.Sink
	format   camgrab.PixelFormat
}

// buildLaunch returns the launch description for source delivering format.
//
// Raw formats:
//
//	<source> name=src ! videoconvert ! videoscale ! videorate drop-only=true !
//	capsfilter name=caps ! appsink name=sink
//
// MJPEG adds jpegenc after videorate, so the source must deliver raw video;
// compressed sources need a decoder in the fragment ("v4l2src ! jpegdec").
func buildLaunch(source string, format camgrab.PixelFormat) string {
	source = strings.TrimSpace(source)
	var b strings.Builder
	b.WriteString(nameFirstElement(source, sourceName))
	b.WriteString(" ! videoconvert ! videoscale ! videorate drop-only=true")
	if format == camgrab.PixelFormatMJPEG {
		b.WriteString(" ! jpegenc")
	}
	fmt.Fprintf(&b, " ! capsfilter name=%s ! appsink name=%s", capsName, sinkName)
	return b.String()
}

// nameFirstElement appends name=<name> to the first element of a launch
// fragment, leaving any following elements untouched.
func nameFirstElement(fragment, name string) string {
	first, rest, found := strings.Cut(fragment, "!")
	first = strings.TrimSpace(first) + " name=" + name
	if !found {
		return first
	}
	return first + " !" + rest
}

// buildCaps returns the caps string for cfg.
func buildCaps(cfg camgrab.DeviceConfig) (string, error) {
	var b strings.Builder
	switch cfg.PixelFormat {
	case camgrab.PixelFormatMJPEG:
		b.WriteString("image/jpeg")
	default:
		name, err := videoFormat(cfg.PixelFormat)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "video/x-raw,format=%s", name)
	}
	fmt.Fprintf(&b, ",width=%d,height=%d", cfg.Width, cfg.Height)
	if cfg.FPS > 0 {
		num, den := framerate(cfg.FPS)
		fmt.Fprintf(&b, ",framerate=%d/%d", num, den)
	}
	return b.String(), nil
}

// videoFormat maps a pixel format to the GStreamer video format name.
func videoFormat(p camgrab.PixelFormat) (string, error) {
	switch p {
	case camgrab.PixelFormatBGR8:
		return "BGR", nil
	case camgrab.PixelFormatRGB8:
		return "RGB", nil
	case camgrab.PixelFormatMono8:
		return "GRAY8", nil
	case camgrab.PixelFormatYUYV:
		return "YUY2", nil
	default:
		return "", fmt.Errorf("%w: pixel format %s has no raw video format", camgrab.ErrInvalidConfiguration, p)
	}
}

// framerate converts fps to a caps fraction:
//   - fps >= 1: N/1 (5.0 → 5/1)
//   - fps < 1: 1/D (0.5 → 1/2)
func framerate(fps float64) (num, den int) {
	if fps < 1.0 {
		return 1, int(1.0 / fps)
	}
	return int(fps), 1
}

// createPipeline parses the launch description and looks up the named elements.
// The pipeline is left in the NULL state.
func createPipeline(source string, format camgrab.PixelFormat) (*pipeline, error) {
	initGStreamer()

	launch := buildLaunch(source, format)
	p, err := gst.NewPipelineFromString(launch)
	if err != nil {
		return nil, fmt.Errorf("parse pipeline %q: %w", launch, err)
	}

	src, err := p.GetElementByName(sourceName)
	if err != nil {
		return nil, fmt.Errorf("source element: %w", err)
	}
	caps, err := p.GetElementByName(capsName)
	if err != nil {
		return nil, fmt.Errorf("capsfilter element: %w", err)
	}
	sinkElem, err := p.GetElementByName(sinkName)
	if err != nil {
		return nil, fmt.Errorf("appsink element: %w", err)
	}

	sink := app.SinkFromElement(sinkElem)
	sink.SetProperty("sync", false)
	sink.SetProperty("emit-signals", false)

	return &pipeline{
		pipeline: p,
		source:   src,
		caps:     caps,
		sink:     sink,
		format:   format,
	}, nil
}

// setCaps applies the capsfilter for cfg.
func (p *pipeline) setCaps(cfg camgrab.DeviceConfig) error {
	capsStr, err := buildCaps(cfg)
	if err != nil {
		return err
	}
	return p.caps.SetProperty("caps", gst.NewCapsFromString(capsStr))
}

// setBuffering configures the appsink queue for strategy.
func (p *pipeline) setBuffering(strategy camgrab.GrabStrategy, queueSize int) {
	switch strategy {
	case camgrab.OneByOne:
		p.sink.SetProperty("max-buffers", queueSize)
		p.sink.SetProperty("drop", false)
	default:
		p.sink.SetProperty("max-buffers", 1)
		p.sink.SetProperty("drop", true)
	}
}

// destroy sets the pipeline to NULL, releasing the device.
func (p *pipeline) destroy() error {
	if p == nil || p.pipeline == nil {
		return nil
	}
	if err := p.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("set pipeline to NULL: %w", err)
	}
	return nil
}

// busError returns the first error or end-of-stream posted on the bus, if any.
func (p *pipeline) busError() (ErrorCategory, error) {
	bus := p.pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(0)
		if msg == nil {
			return ErrCategoryUnknown, nil
		}
		switch msg.Type() {
		case gst.MessageEOS:
			return ErrCategoryTransport, fmt.Errorf("end of stream")
		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGError(gerr)
			return category, fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())
		}
	}
}
