// Package v4l2cam implements camgrab.Driver for Video4Linux2 capture devices
// through go4vl, using memory-mapped streaming I/O.
package v4l2cam

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/e7canasta/camgrab"
)

// DriverName is the name reported in DeviceRef.Driver.
const DriverName = "v4l2"

const (
	defaultPattern = "/dev/video*"
	defaultSysfs   = "/sys/class/video4linux"
)

// Driver enumerates V4L2 device nodes.
type Driver struct {
	pattern string
	sysfs   string
	logger  *slog.Logger
}

var _ camgrab.Driver = (*Driver)(nil)

// Option configures a Driver.
type Option func(*Driver)

// WithPattern overrides the device node glob (default /dev/video*).
func WithPattern(pattern string) Option {
	return func(d *Driver) { d.pattern = pattern }
}

// WithSysfs overrides the sysfs directory used for model names.
func WithSysfs(dir string) Option {
	return func(d *Driver) { d.sysfs = dir }
}

// New creates a driver.
func New(logger *slog.Logger, opts ...Option) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{pattern: defaultPattern, sysfs: defaultSysfs, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Name() string { return DriverName }

// Enumerate lists the device nodes matching the pattern in numeric order.
func (d *Driver) Enumerate(ctx context.Context) ([]camgrab.DeviceRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	paths, err := filepath.Glob(d.pattern)
	if err != nil {
		return nil, fmt.Errorf("v4l2cam: glob %q: %w", d.pattern, err)
	}
	sort.Slice(paths, func(i, j int) bool {
		ni, nj := nodeIndex(paths[i]), nodeIndex(paths[j])
		if ni != nj {
			return ni < nj
		}
		return paths[i] < paths[j]
	})

	refs := make([]camgrab.DeviceRef, 0, len(paths))
	for _, path := range paths {
		name := filepath.Base(path)
		refs = append(refs, camgrab.DeviceRef{
			ID:     name,
			Driver: DriverName,
			Model:  d.model(name),
			Path:   path,
		})
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("v4l2cam: %w: nothing matches %s", camgrab.ErrNoDevicesFound, d.pattern)
	}
	return refs, nil
}

// Attach binds the device node of ref.
func (d *Driver) Attach(ref camgrab.DeviceRef) (camgrab.Camera, error) {
	path := ref.Path
	if path == "" {
		path = filepath.Join(filepath.Dir(d.pattern), ref.ID)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("v4l2cam: %w: %v", camgrab.ErrDeviceUnavailable, err)
	}
	return newCamera(path, d.model(filepath.Base(path)), d.logger), nil
}

// model reads the card name from sysfs, empty when unknown.
func (d *Driver) model(node string) string {
	b, err := os.ReadFile(filepath.Join(d.sysfs, node, "name"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// nodeIndex returns N for .../videoN, or -1.
func nodeIndex(path string) int {
	digits := strings.TrimLeft(filepath.Base(path), "abcdefghijklmnopqrstuvwxyz")
	n, err := strconv.Atoi(digits)
	if err != nil {
		return -1
	}
	return n
}

// swapRB exchanges the first and third byte of each packed 3-byte pixel.
func swapRB(data []byte) {
	for i := 0; i+2 < len(data); i += 3 {
		data[i], data[i+2] = data[i+2], data[i]
	}
}
