//go:build !linux

package v4l2cam

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/camgrab"
)

// Camera is unavailable outside Linux; every operation reports the device as unavailable.
type Camera struct {
	path  string
	model string
}

var _ camgrab.Camera = (*Camera)(nil)

func newCamera(path, model string, _ *slog.Logger) *Camera {
	return &Camera{path: path, model: model}
}

func (c *Camera) unavailable() error {
	return fmt.Errorf("v4l2cam: %s: %w: v4l2 requires linux", c.path, camgrab.ErrDeviceUnavailable)
}

func (c *Camera) Open(context.Context) error { return c.unavailable() }

func (c *Camera) Info() camgrab.DeviceInfo {
	return camgrab.DeviceInfo{Model: c.model, Vendor: "v4l2", Serial: c.path}
}

func (c *Camera) Configure(camgrab.DeviceConfig) error { return c.unavailable() }

func (c *Camera) StartGrabbing(camgrab.GrabStrategy, camgrab.DeviceConfig) error {
	return c.unavailable()
}

func (c *Camera) Retrieve(context.Context, time.Duration) (*camgrab.GrabResult, error) {
	return nil, fmt.Errorf("v4l2cam: %s: %w", c.path, camgrab.ErrNotGrabbing)
}

func (c *Camera) StopGrabbing() error { return nil }

func (c *Camera) Close() error { return nil }
