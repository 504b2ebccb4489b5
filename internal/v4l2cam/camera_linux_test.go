//go:build linux

package v4l2cam

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/camgrab"
)

func TestPixelFormat(t *testing.T) {
	for _, p := range []camgrab.PixelFormat{
		camgrab.PixelFormatBGR8, camgrab.PixelFormatRGB8, camgrab.PixelFormatYUYV, camgrab.PixelFormatMJPEG,
	} {
		_, err := pixelFormat(p)
		assert.NoError(t, err, p.String())
	}
	_, err := pixelFormat(camgrab.PixelFormatMono8)
	assert.ErrorIs(t, err, camgrab.ErrInvalidConfiguration)
}

func TestCamera_Result(t *testing.T) {
	c := newCamera("/dev/null", "", nil)
	cfg := camgrab.DeviceConfig{Width: 2, Height: 1, PixelFormat: camgrab.PixelFormatBGR8}

	res := c.result([]byte{10, 20, 30, 40, 50, 60}, cfg)
	require.True(t, res.Succeeded())
	assert.Equal(t, []byte{30, 20, 10, 60, 50, 40}, res.Frame().Data)
	assert.Equal(t, uint64(1), res.Frame().Seq)

	res = c.result([]byte{1, 2, 3}, cfg)
	assert.False(t, res.Succeeded())
	assert.Equal(t, CodeIncomplete, res.ErrorCode())
}

func TestCamera_NotGrabbing(t *testing.T) {
	c := newCamera("/dev/null", "", nil)
	_, err := c.Retrieve(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, camgrab.ErrNotGrabbing)
	assert.NoError(t, c.StopGrabbing())
	assert.NoError(t, c.Close())
}

// TestCamera_Device streams from /dev/video0; it is skipped without one.
func TestCamera_Device(t *testing.T) {
	if _, err := os.Stat("/dev/video0"); err != nil {
		t.Skipf("Skipping test: no V4L2 device: %v", err)
	}
	c := newCamera("/dev/video0", "", nil)
	if err := c.Open(context.Background()); err != nil {
		t.Skipf("Skipping test: cannot open /dev/video0: %v", err)
	}
	defer c.Close()

	cfg := camgrab.DeviceConfig{Width: 640, Height: 480, PixelFormat: camgrab.PixelFormatYUYV}
	if err := c.Configure(cfg); err != nil {
		t.Skipf("Skipping test: device rejects 640x480 YUYV: %v", err)
	}
	require.NoError(t, c.StartGrabbing(camgrab.LatestOnly, cfg))

	res, err := c.Retrieve(context.Background(), 5*time.Second)
	require.NoError(t, err)
	defer res.Release()
	if res.Succeeded() {
		assert.Len(t, res.Frame().Data, 640*480*2)
	}
	require.NoError(t, c.StopGrabbing())
}
