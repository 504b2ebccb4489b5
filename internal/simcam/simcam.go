// Package simcam is an in-process camera driver producing synthetic frames.
//
// It backs tests and demo runs without hardware and can inject the faults real
// devices show: busy devices, rejected parameters, failed grabs, stalls and
// disconnects.
package simcam

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/camgrab"
)

// DriverName is the name reported in DeviceRef.Driver.
const DriverName = "sim"

const (
	defaultFPS       = 30
	defaultQueueSize = 10
	maxSensorWidth   = 4096
	maxSensorHeight  = 3072
)

// Faults selects the misbehaviour of one simulated camera.
type Faults struct {
	// Busy makes Open fail as if another process held the device
	Busy bool
	// RejectConfig makes Configure fail
	RejectConfig bool
	// FailAt maps frame sequence numbers to the error code of a failed grab
	FailAt map[uint64]int
	// Silent cameras never produce a frame
	Silent bool
	// StallAfter stops frame production after that many frames (0 = never)
	StallAfter uint64
	// DisconnectAfter unplugs the camera after that many frames (0 = never)
	DisconnectAfter uint64
}

// Spec describes one simulated camera.
type Spec struct {
	ID     string
	Model  string
	Serial string
	// FPS is the production rate (default 30)
	FPS    float64
	Faults Faults
}

// Driver enumerates a fixed set of simulated cameras.
type Driver struct {
	specs []Spec

	mu      sync.Mutex
	cameras map[string]*Camera
	claimed map[string]bool
	calls   []string
}

var _ camgrab.Driver = (*Driver)(nil)

// New creates a driver exposing specs in order.
func New(specs ...Spec) *Driver {
	for i := range specs {
		if specs[i].ID == "" {
			specs[i].ID = fmt.Sprintf("sim%d", i)
		}
		if specs[i].Model == "" {
			specs[i].Model = "SimCam 1920"
		}
		if specs[i].Serial == "" {
			specs[i].Serial = fmt.Sprintf("SIM%05d", 40000+i)
		}
		if specs[i].FPS <= 0 {
			specs[i].FPS = defaultFPS
		}
	}
	return &Driver{
		specs:   specs,
		cameras: make(map[string]*Camera),
		claimed: make(map[string]bool),
	}
}

// NewN creates a driver with n fault-free cameras sim0..simN-1 running at fps.
func NewN(n int, fps float64) *Driver {
	specs := make([]Spec, n)
	for i := range specs {
		specs[i].FPS = fps
	}
	return New(specs...)
}

func (d *Driver) Name() string { return DriverName }

// Enumerate lists every simulated camera.
func (d *Driver) Enumerate(ctx context.Context) ([]camgrab.DeviceRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(d.specs) == 0 {
		return nil, fmt.Errorf("simcam: %w", camgrab.ErrNoDevicesFound)
	}
	refs := make([]camgrab.DeviceRef, len(d.specs))
	for i, s := range d.specs {
		refs[i] = camgrab.DeviceRef{ID: s.ID, Driver: DriverName, Model: s.Model}
	}
	return refs, nil
}

// Attach binds the camera enumerated as ref.
func (d *Driver) Attach(ref camgrab.DeviceRef) (camgrab.Camera, error) {
	for _, s := range d.specs {
		if s.ID != ref.ID {
			continue
		}
		cam := &Camera{spec: s, driver: d}
		d.mu.Lock()
		d.cameras[s.ID] = cam
		d.mu.Unlock()
		return cam, nil
	}
	return nil, fmt.Errorf("simcam: %w: unknown device %q", camgrab.ErrDeviceUnavailable, ref.ID)
}

// Camera returns the camera last attached under id, nil if none.
func (d *Driver) Camera(id string) *Camera {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cameras[id]
}

// Calls returns the lifecycle operations of every camera in call order,
// formatted as "<id>:<op>".
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Cameras returns the ids of attached cameras, sorted.
func (d *Driver) Cameras() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.cameras))
	for id := range d.cameras {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Driver) record(id, op string) {
	d.mu.Lock()
	d.calls = append(d.calls, id+":"+op)
	d.mu.Unlock()
}

func (d *Driver) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimed[id] {
		return false
	}
	d.claimed[id] = true
	return true
}

func (d *Driver) unclaim(id string) {
	d.mu.Lock()
	delete(d.claimed, id)
	d.mu.Unlock()
}

// item is one produced frame waiting in the device buffer.
type item struct {
	seq  uint64
	code int
	buf  *[]byte
}

// Camera is one simulated device.
type Camera struct {
	spec   Spec
	driver *Driver
	pool   sync.Pool

	mu     sync.Mutex
	open   bool
	cfg    camgrab.DeviceConfig
	queue  chan item
	gone   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	seq       atomic.Uint64
	produced  atomic.Uint64
	dropped   atomic.Uint64
	handedOut atomic.Uint64
	released  atomic.Uint64
	unplugged atomic.Bool
}

var _ camgrab.Camera = (*Camera)(nil)

func (c *Camera) Open(ctx context.Context) error {
	c.driver.record(c.spec.ID, "open")
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.spec.Faults.Busy {
		return fmt.Errorf("simcam: %s: %w: device is busy", c.spec.ID, camgrab.ErrDeviceUnavailable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return nil
	}
	if !c.driver.claim(c.spec.ID) {
		return fmt.Errorf("simcam: %s: %w: claimed by another handle", c.spec.ID, camgrab.ErrDeviceUnavailable)
	}
	c.open = true
	c.gone = make(chan struct{})
	c.unplugged.Store(false)
	return nil
}

func (c *Camera) Info() camgrab.DeviceInfo {
	return camgrab.DeviceInfo{Model: c.spec.Model, Vendor: "camgrab", Serial: c.spec.Serial}
}

func (c *Camera) Configure(cfg camgrab.DeviceConfig) error {
	c.driver.record(c.spec.ID, "configure")
	if c.spec.Faults.RejectConfig {
		return fmt.Errorf("simcam: %s: %w: parameter out of range", c.spec.ID, camgrab.ErrInvalidConfiguration)
	}
	if cfg.Width > maxSensorWidth || cfg.Height > maxSensorHeight {
		return fmt.Errorf("simcam: %s: %w: %dx%d exceeds sensor %dx%d", c.spec.ID,
			camgrab.ErrInvalidConfiguration, cfg.Width, cfg.Height, maxSensorWidth, maxSensorHeight)
	}
	if cfg.PixelFormat.BytesPerPixel() == 0 {
		return fmt.Errorf("simcam: %s: %w: unsupported pixel format %s", c.spec.ID,
			camgrab.ErrInvalidConfiguration, cfg.PixelFormat)
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return nil
}

func (c *Camera) StartGrabbing(strategy camgrab.GrabStrategy, cfg camgrab.DeviceConfig) error {
	c.driver.record(c.spec.ID, "start")

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return fmt.Errorf("simcam: %s: %w", c.spec.ID, camgrab.ErrNotOpen)
	}
	if c.cancel != nil {
		return nil
	}

	size := 1
	if strategy == camgrab.OneByOne {
		size = cfg.QueueSize
		if size <= 0 {
			size = defaultQueueSize
		}
	}
	c.cfg = cfg
	c.queue = make(chan item, size)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go c.produce(ctx, c.queue, strategy, cfg)
	return nil
}

// produce generates frames at the configured rate until ctx is cancelled.
func (c *Camera) produce(ctx context.Context, queue chan item, strategy camgrab.GrabStrategy, cfg camgrab.DeviceConfig) {
	defer c.wg.Done()

	fps := c.spec.FPS
	if cfg.FPS > 0 && cfg.FPS < fps {
		fps = cfg.FPS
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / fps))
	defer ticker.Stop()

	f := c.spec.Faults
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n := c.produced.Load()
		if f.DisconnectAfter > 0 && n >= f.DisconnectAfter {
			c.Disconnect()
			return
		}
		if f.Silent || (f.StallAfter > 0 && n >= f.StallAfter) {
			continue
		}

		it := item{seq: c.seq.Add(1)}
		if code, ok := f.FailAt[it.seq]; ok {
			it.code = code
		} else {
			it.buf = c.fill(cfg, it.seq)
		}
		c.produced.Add(1)
		c.deliver(queue, strategy, it)
	}
}

// deliver puts it into the device buffer. LatestOnly replaces an unretrieved
// frame; OneByOne drops the new frame when the queue is full.
func (c *Camera) deliver(queue chan item, strategy camgrab.GrabStrategy, it item) {
	select {
	case queue <- it:
		return
	default:
	}
	if strategy == camgrab.OneByOne {
		c.recycle(it)
		return
	}
	select {
	case old := <-queue:
		c.recycle(old)
	default:
	}
	select {
	case queue <- it:
	default:
		c.recycle(it)
	}
}

func (c *Camera) recycle(it item) {
	c.dropped.Add(1)
	if it.buf != nil {
		c.pool.Put(it.buf)
	}
}

// fill returns a pooled buffer with a pattern derived from seq.
func (c *Camera) fill(cfg camgrab.DeviceConfig, seq uint64) *[]byte {
	n := cfg.PixelFormat.FrameSize(cfg.Width, cfg.Height)
	bp, _ := c.pool.Get().(*[]byte)
	if bp == nil || cap(*bp) < n {
		b := make([]byte, n)
		bp = &b
	}
	*bp = (*bp)[:n]
	b := *bp
	for i := range b {
		b[i] = byte(seq) + byte(i)
	}
	return bp
}

func (c *Camera) Retrieve(ctx context.Context, timeout time.Duration) (*camgrab.GrabResult, error) {
	c.mu.Lock()
	queue, gone, cfg := c.queue, c.gone, c.cfg
	c.mu.Unlock()

	if queue == nil {
		return nil, fmt.Errorf("simcam: %s: %w", c.spec.ID, camgrab.ErrNotGrabbing)
	}
	if c.unplugged.Load() {
		return nil, &camgrab.TransportError{Err: fmt.Errorf("simcam: %s: device removed", c.spec.ID)}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case it := <-queue:
		return c.result(it, cfg), nil
	case <-gone:
		return nil, &camgrab.TransportError{Err: fmt.Errorf("simcam: %s: device removed", c.spec.ID)}
	case <-timer.C:
		return nil, fmt.Errorf("simcam: %s: %w", c.spec.ID, camgrab.ErrRetrievalTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Camera) result(it item, cfg camgrab.DeviceConfig) *camgrab.GrabResult {
	c.handedOut.Add(1)
	if it.buf == nil {
		return camgrab.NewFailedGrab(it.code, fmt.Sprintf("frame %d failed", it.seq), func() {
			c.released.Add(1)
		})
	}
	buf := it.buf
	frame := &camgrab.Frame{
		Seq:         it.seq,
		Width:       cfg.Width,
		Height:      cfg.Height,
		PixelFormat: cfg.PixelFormat,
		Data:        *buf,
	}
	return camgrab.NewGrabResult(frame, func() {
		c.pool.Put(buf)
		c.released.Add(1)
	})
}

func (c *Camera) StopGrabbing() error {
	c.driver.record(c.spec.ID, "stop")
	c.stop()
	return nil
}

func (c *Camera) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()

	c.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	for {
		select {
		case it := <-queue:
			c.recycle(it)
		default:
			return
		}
	}
}

func (c *Camera) Close() error {
	c.driver.record(c.spec.ID, "close")
	c.stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil
	}
	c.open = false
	c.driver.unclaim(c.spec.ID)
	return nil
}

// Disconnect simulates unplugging the camera. Pending and future retrievals
// fail with a *camgrab.TransportError.
func (c *Camera) Disconnect() {
	if !c.unplugged.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	gone := c.gone
	c.mu.Unlock()
	if gone != nil {
		close(gone)
	}
	slog.Debug("simcam: device removed", "device", c.spec.ID)
}

// Stats reports buffer accounting of the camera.
type Stats struct {
	Produced  uint64
	Dropped   uint64
	HandedOut uint64
	Released  uint64
}

// Outstanding returns results handed out and not yet released.
func (s Stats) Outstanding() uint64 {
	return s.HandedOut - s.Released
}

// Stats returns the buffer accounting of the camera.
func (c *Camera) Stats() Stats {
	return Stats{
		Produced:  c.produced.Load(),
		Dropped:   c.dropped.Load(),
		HandedOut: c.handedOut.Load(),
		Released:  c.released.Load(),
	}
}

// IsOpen reports whether the camera is claimed.
func (c *Camera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// IsGrabbing reports whether frames are being produced.
func (c *Camera) IsGrabbing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}
