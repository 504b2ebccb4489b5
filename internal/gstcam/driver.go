// Package gstcam implements camgrab.Driver on top of GStreamer.
//
// Each configured source is a launch fragment producing raw video, for example
// "v4l2src device=/dev/video0", "pylonsrc camera=0" or "videotestsrc is-live=true".
// The camera appends conversion, scaling, a capsfilter and an appsink:
//
//	<source> ! videoconvert ! videoscale ! videorate ! capsfilter ! appsink
//
// LatestOnly maps to appsink max-buffers=1 drop=true; OneByOne to a bounded
// queue without dropping.
package gstcam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/e7canasta/camgrab"
)

// DriverName is the name reported in DeviceRef.Driver.
const DriverName = "gst"

var errNoSources = errors.New("no sources configured")

// Source describes one GStreamer camera.
type Source struct {
	// ID identifies the source in logs and device lists
	ID string `yaml:"id"`
	// Launch is the source launch fragment
	Launch string `yaml:"launch"`
	// Model is reported as the device model (default: the element factory)
	Model string `yaml:"model"`
	// ExposureProperty is the source property receiving the exposure in µs (empty: not set)
	ExposureProperty string `yaml:"exposure_property"`
	// GainProperty is the source property receiving the gain (empty: not set)
	GainProperty string `yaml:"gain_property"`
}

// factory returns the element factory name of the source ("v4l2src").
func (s Source) factory() string {
	fields := strings.Fields(s.Launch)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// devicePath returns the device= property of the source, if any.
func (s Source) devicePath() string {
	for _, f := range strings.Fields(s.Launch) {
		if v, ok := strings.CutPrefix(f, "device="); ok {
			return strings.Trim(v, `"'`)
		}
	}
	return ""
}

// Driver enumerates the configured sources.
type Driver struct {
	sources []Source
	logger  *slog.Logger
}

var _ camgrab.Driver = (*Driver)(nil)

// New creates a driver over sources. Sources without an ID get "gst<N>".
func New(sources []Source, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]Source, 0, len(sources))
	for i, s := range sources {
		if strings.TrimSpace(s.Launch) == "" {
			continue
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("gst%d", i)
		}
		out = append(out, s)
	}
	return &Driver{sources: out, logger: logger}
}

func (d *Driver) Name() string { return DriverName }

// Enumerate returns the configured sources whose device node, when named, exists.
func (d *Driver) Enumerate(ctx context.Context) ([]camgrab.DeviceRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(d.sources) == 0 {
		return nil, fmt.Errorf("gstcam: %w: %v", camgrab.ErrNoDevicesFound, errNoSources)
	}

	var refs []camgrab.DeviceRef
	for _, s := range d.sources {
		if path := s.devicePath(); path != "" {
			if _, err := os.Stat(path); err != nil {
				d.logger.Warn("gstcam: device node missing, skipping source",
					"device", s.ID,
					"path", path,
				)
				continue
			}
		}
		model := s.Model
		if model == "" {
			model = s.factory()
		}
		refs = append(refs, camgrab.DeviceRef{
			ID:     s.ID,
			Driver: DriverName,
			Model:  model,
			Path:   s.Launch,
		})
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("gstcam: %w", camgrab.ErrNoDevicesFound)
	}
	return refs, nil
}

// Attach binds the source enumerated as ref.
func (d *Driver) Attach(ref camgrab.DeviceRef) (camgrab.Camera, error) {
	for _, s := range d.sources {
		if s.ID == ref.ID {
			return &Camera{source: s, logger: d.logger}, nil
		}
	}
	return nil, fmt.Errorf("gstcam: unknown source %q", ref.ID)
}
