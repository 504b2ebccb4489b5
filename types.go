package camgrab

import (
	"fmt"
	"strings"
	"time"
)

// Frame is a single captured image with its metadata.
//
// Data is immutable once the frame has been produced. Frames obtained from a
// GrabResult are only valid until the result is released; use Clone to keep one.
type Frame struct {
	// Seq is the monotonic per-device sequence number
	Seq uint64
	// Timestamp is when the frame was retrieved from the device
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// PixelFormat describes the layout of Data
	PixelFormat PixelFormat
	// Data holds the raw pixel buffer
	Data []byte
	// Context is the source context identifier (attach order inside an array, 0 for a single device)
	Context int
	// TraceID is a unique identifier for following a frame across components
	TraceID string
}

// Clone returns a deep copy of the frame that outlives the originating GrabResult.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	c.Data = make([]byte, len(f.Data))
	copy(c.Data, f.Data)
	return &c
}

// Resolution returns the frame size formatted as WxH.
func (f *Frame) Resolution() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}

// PixelFormat identifies the pixel layout delivered by a device.
type PixelFormat int

const (
	// PixelFormatBGR8 is packed 8-bit blue/green/red, the default display format
	PixelFormatBGR8 PixelFormat = iota
	// PixelFormatRGB8 is packed 8-bit red/green/blue
	PixelFormatRGB8
	// PixelFormatMono8 is single channel 8-bit luminance
	PixelFormatMono8
	// PixelFormatYUYV is packed YUV 4:2:2
	PixelFormatYUYV
	// PixelFormatMJPEG is a compressed JPEG bitstream per frame
	PixelFormatMJPEG
)

// String returns the canonical name of the pixel format.
func (p PixelFormat) String() string {
	switch p {
	case PixelFormatBGR8:
		return "BGR8"
	case PixelFormatRGB8:
		return "RGB8"
	case PixelFormatMono8:
		return "Mono8"
	case PixelFormatYUYV:
		return "YUYV"
	case PixelFormatMJPEG:
		return "MJPEG"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(p))
	}
}

// BytesPerPixel returns the packed size of one pixel, or 0 for compressed formats.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatBGR8, PixelFormatRGB8:
		return 3
	case PixelFormatMono8:
		return 1
	case PixelFormatYUYV:
		return 2
	default:
		return 0
	}
}

// FrameSize returns the expected buffer length for a width x height frame,
// or 0 when the format is compressed and the size is not fixed.
func (p PixelFormat) FrameSize(width, height int) int {
	return width * height * p.BytesPerPixel()
}

// ParsePixelFormat parses a pixel format name (case-insensitive).
func ParsePixelFormat(s string) (PixelFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "bgr8", "bgr8packed", "bgr":
		return PixelFormatBGR8, nil
	case "rgb8", "rgb8packed", "rgb", "rgb24":
		return PixelFormatRGB8, nil
	case "mono8", "gray8", "grey":
		return PixelFormatMono8, nil
	case "yuyv", "yuy2", "yuv422":
		return PixelFormatYUYV, nil
	case "mjpeg", "mjpg", "jpeg":
		return PixelFormatMJPEG, nil
	default:
		return 0, fmt.Errorf("%w: unknown pixel format %q", ErrInvalidConfiguration, s)
	}
}

// GrabStrategy selects how a device buffers frames while grabbing.
type GrabStrategy int

const (
	// LatestOnly keeps only the newest frame; older ones are dropped
	LatestOnly GrabStrategy = iota
	// OneByOne delivers frames in order through a bounded queue
	OneByOne
)

// String returns a human-readable name of the strategy.
func (s GrabStrategy) String() string {
	switch s {
	case LatestOnly:
		return "latest_only"
	case OneByOne:
		return "one_by_one"
	default:
		return "unknown"
	}
}

// ParseGrabStrategy parses "latest_only" or "one_by_one".
func ParseGrabStrategy(s string) (GrabStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "latest_only", "latest", "latestimageonly":
		return LatestOnly, nil
	case "one_by_one", "onebyone", "fifo":
		return OneByOne, nil
	default:
		return 0, fmt.Errorf("%w: unknown grab strategy %q", ErrInvalidConfiguration, s)
	}
}

// DeviceRef identifies an enumerated device before it is opened.
type DeviceRef struct {
	// ID is the driver-specific stable identifier (serial, path, source name)
	ID string
	// Driver is the name of the driver that enumerated the device
	Driver string
	// Model is the model name when known at enumeration time
	Model string
	// Path is the device node or pipeline description, if any
	Path string
}

// String returns a short label for logs.
func (r DeviceRef) String() string {
	if r.Model != "" {
		return fmt.Sprintf("%s:%s (%s)", r.Driver, r.ID, r.Model)
	}
	return fmt.Sprintf("%s:%s", r.Driver, r.ID)
}

// DeviceInfo is the identity reported by an opened device.
type DeviceInfo struct {
	Model  string
	Vendor string
	Serial string
}

// DeviceConfig holds the acquisition parameters applied to an opened device.
type DeviceConfig struct {
	// Width and Height of the delivered frames in pixels
	Width  int
	Height int
	// ExposureMicros is the exposure time in microseconds (0 keeps the device default)
	ExposureMicros float64
	// Gain is the analog gain (nil keeps the device default)
	Gain *float64
	// PixelFormat of the delivered frames
	PixelFormat PixelFormat
	// FPS caps the device frame rate (0 keeps the device default)
	FPS float64
	// QueueSize bounds the OneByOne queue (default 10)
	QueueSize int
}

// Validate checks the configuration before it is sent to a device.
func (c DeviceConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: invalid size %dx%d", ErrInvalidConfiguration, c.Width, c.Height)
	}
	if c.ExposureMicros < 0 {
		return fmt.Errorf("%w: negative exposure %.0fus", ErrInvalidConfiguration, c.ExposureMicros)
	}
	if c.Gain != nil && *c.Gain < 0 {
		return fmt.Errorf("%w: negative gain %.2f", ErrInvalidConfiguration, *c.Gain)
	}
	if c.FPS < 0 {
		return fmt.Errorf("%w: negative fps %.2f", ErrInvalidConfiguration, c.FPS)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("%w: negative queue size %d", ErrInvalidConfiguration, c.QueueSize)
	}
	return nil
}

// HandleStats contains per-device acquisition statistics.
type HandleStats struct {
	// Context is the context identifier of the handle
	Context int
	// Device is the label of the underlying device
	Device string
	// Frames is the number of successful retrievals
	Frames uint64
	// Failures is the number of failed grab results
	Failures uint64
	// Timeouts is the number of retrievals that hit the timeout
	Timeouts uint64
	// BytesRead is the total size of successful frames
	BytesRead uint64
	// LastSeq is the sequence number of the newest frame
	LastSeq uint64
	// LastFrameAt is when the newest frame was retrieved
	LastFrameAt time.Time
	// FPS is the measured rate over the recent frame window
	FPS FPSStats
	// Grabbing reports whether a grab session is active
	Grabbing bool
}

// FPSStats summarises frame timing over a window of recent frames.
type FPSStats struct {
	Frames    int
	Mean      float64
	StdDev    float64
	Min       float64
	Max       float64
	JitterMax time.Duration
	Stable    bool
}
