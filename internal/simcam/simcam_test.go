package simcam

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/camgrab"
)

var smallConfig = camgrab.DeviceConfig{Width: 8, Height: 4, PixelFormat: camgrab.PixelFormatBGR8}

func startCamera(t *testing.T, d *Driver, id string, strategy camgrab.GrabStrategy, cfg camgrab.DeviceConfig) *Camera {
	t.Helper()
	c, err := d.Attach(camgrab.DeviceRef{ID: id})
	require.NoError(t, err)
	cam := c.(*Camera)
	require.NoError(t, cam.Open(context.Background()))
	require.NoError(t, cam.Configure(cfg))
	require.NoError(t, cam.StartGrabbing(strategy, cfg))
	t.Cleanup(func() { _ = cam.Close() })
	return cam
}

func TestEnumerate(t *testing.T) {
	refs, err := NewN(3, 30).Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "sim0", refs[0].ID)
	assert.Equal(t, DriverName, refs[2].Driver)

	_, err = New().Enumerate(context.Background())
	assert.ErrorIs(t, err, camgrab.ErrNoDevicesFound)

	_, err = New().Attach(camgrab.DeviceRef{ID: "nope"})
	assert.ErrorIs(t, err, camgrab.ErrDeviceUnavailable)
}

func TestOpen_ExclusiveClaim(t *testing.T) {
	d := NewN(1, 30)
	first, err := d.Attach(camgrab.DeviceRef{ID: "sim0"})
	require.NoError(t, err)
	second, err := d.Attach(camgrab.DeviceRef{ID: "sim0"})
	require.NoError(t, err)

	require.NoError(t, first.Open(context.Background()))
	assert.ErrorIs(t, second.Open(context.Background()), camgrab.ErrDeviceUnavailable)

	require.NoError(t, first.Close())
	assert.NoError(t, second.Open(context.Background()))
	assert.NoError(t, second.Close())
}

func TestOpen_Busy(t *testing.T) {
	d := New(Spec{Faults: Faults{Busy: true}})
	cam, err := d.Attach(camgrab.DeviceRef{ID: "sim0"})
	require.NoError(t, err)
	assert.ErrorIs(t, cam.Open(context.Background()), camgrab.ErrDeviceUnavailable)
}

func TestConfigure_Rejects(t *testing.T) {
	d := NewN(1, 30)
	cam, err := d.Attach(camgrab.DeviceRef{ID: "sim0"})
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  camgrab.DeviceConfig
	}{
		{"oversized", camgrab.DeviceConfig{Width: 8000, Height: 100}},
		{"compressed", camgrab.DeviceConfig{Width: 8, Height: 8, PixelFormat: camgrab.PixelFormatMJPEG}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, cam.Configure(tt.cfg), camgrab.ErrInvalidConfiguration)
		})
	}
}

func TestRetrieve_LatestOnlyDropsOldFrames(t *testing.T) {
	cam := startCamera(t, NewN(1, 500), "sim0", camgrab.LatestOnly, smallConfig)

	time.Sleep(60 * time.Millisecond)

	res, err := cam.Retrieve(context.Background(), time.Second)
	require.NoError(t, err)
	defer res.Release()

	require.True(t, res.Succeeded())
	assert.Greater(t, res.Frame().Seq, uint64(1), "only the newest frame is retained")
	assert.Greater(t, cam.Stats().Dropped, uint64(0))
	assert.Len(t, res.Frame().Data, 8*4*3)
}

func TestRetrieve_OneByOneKeepsOrder(t *testing.T) {
	cfg := smallConfig
	cfg.QueueSize = 50
	cam := startCamera(t, NewN(1, 500), "sim0", camgrab.OneByOne, cfg)

	time.Sleep(30 * time.Millisecond)

	var prev uint64
	for i := 0; i < 5; i++ {
		res, err := cam.Retrieve(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, prev+1, res.Frame().Seq)
		prev = res.Frame().Seq
		res.Release()
	}
}

func TestRetrieve_FailedGrab(t *testing.T) {
	d := New(Spec{FPS: 200, Faults: Faults{FailAt: map[uint64]int{1: 3}}})
	cfg := smallConfig
	cfg.QueueSize = 10
	cam := startCamera(t, d, "sim0", camgrab.OneByOne, cfg)

	res, err := cam.Retrieve(context.Background(), time.Second)
	require.NoError(t, err)
	assert.False(t, res.Succeeded())
	assert.Equal(t, 3, res.ErrorCode())
	res.Release()

	res, err = cam.Retrieve(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, uint64(2), res.Frame().Seq)
	res.Release()

	st := cam.Stats()
	assert.Equal(t, st.HandedOut, st.Released)
}

func TestRetrieve_TimeoutAndCancel(t *testing.T) {
	d := New(Spec{Faults: Faults{Silent: true}})
	cam := startCamera(t, d, "sim0", camgrab.LatestOnly, smallConfig)

	start := time.Now()
	_, err := cam.Retrieve(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, camgrab.ErrRetrievalTimeout)
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cam.Retrieve(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetrieve_Disconnect(t *testing.T) {
	d := New(Spec{FPS: 200, Faults: Faults{DisconnectAfter: 2}})
	cam := startCamera(t, d, "sim0", camgrab.LatestOnly, smallConfig)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, err := cam.Retrieve(context.Background(), 100*time.Millisecond)
		if err != nil {
			var te *camgrab.TransportError
			require.True(t, errors.As(err, &te), "unexpected error: %v", err)
			return
		}
		res.Release()
	}
	t.Fatal("camera never reported the disconnect")
}

func TestStopGrabbing_RecyclesQueuedFrames(t *testing.T) {
	d := NewN(1, 500)
	cfg := smallConfig
	cfg.QueueSize = 20
	cam := startCamera(t, d, "sim0", camgrab.OneByOne, cfg)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, cam.StopGrabbing())
	require.NoError(t, cam.StopGrabbing())
	assert.False(t, cam.IsGrabbing())

	_, err := cam.Retrieve(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, camgrab.ErrNotGrabbing)

	st := cam.Stats()
	assert.Equal(t, uint64(0), st.Outstanding())
	assert.Equal(t, st.Produced, st.Dropped, "nothing retrieved, everything recycled")

	require.NoError(t, cam.Close())
	assert.Equal(t, []string{"sim0:open", "sim0:configure", "sim0:start", "sim0:stop", "sim0:stop", "sim0:close"}, d.Calls())
}
