package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/camgrab"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "camgrab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "instance_id: line-3\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "line-3", cfg.InstanceID)
	assert.Equal(t, "sim", cfg.Driver)
	assert.Equal(t, 2, cfg.Sim.Count)
	assert.Equal(t, 2, cfg.MaxDevices)
	assert.Equal(t, time.Second, cfg.LoopTimeout())
	assert.Equal(t, 5*time.Second, cfg.ArrayTimeout())
	assert.Equal(t, 12, cfg.Sink.Capacity)
	assert.Equal(t, camgrab.LatestOnly, cfg.Strategy())
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, 1500, cfg.CompositeConfig().FitWidth)
	assert.Zero(t, cfg.RestartConfig().MaxRetries)
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, `
instance_id: cell-a
driver: gst
sources:
  - id: left
    launch: v4l2src device=/dev/video0
    exposure_property: exposure-time
  - launch: videotestsrc is-live=true
max_devices: 4
camera:
  width: 640
  height: 480
  exposure_us: 8000
  gain: 2.5
  pixel_format: mono8
  fps: 15
grab:
  strategy: one_by_one
  timeout_ms: 250
  array_timeout_ms: 2000
  interval_ms: 10
sink:
  dir: /tmp/frames
  format: png
restart:
  max_retries: 3
  retry_delay_ms: 200
mqtt:
  enabled: true
  broker: localhost:1883
  qos: 1
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "left", cfg.Sources[0].ID)
	assert.Equal(t, "exposure-time", cfg.Sources[0].ExposureProperty)
	assert.Equal(t, 4, cfg.MaxDevices)

	dc := cfg.DeviceConfig()
	assert.Equal(t, camgrab.PixelFormatMono8, dc.PixelFormat)
	assert.Equal(t, 8000.0, dc.ExposureMicros)
	require.NotNil(t, dc.Gain)
	assert.Equal(t, 2.5, *dc.Gain)

	assert.Equal(t, camgrab.OneByOne, cfg.Strategy())
	assert.Equal(t, 250*time.Millisecond, cfg.LoopTimeout())
	assert.Equal(t, 10*time.Millisecond, cfg.Interval())
	assert.Equal(t, 200*time.Millisecond, cfg.RestartConfig().RetryDelay)
	assert.Equal(t, "camgrab/cell-a", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "camgrab-cell-a", cfg.MQTT.ClientID)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad yaml", "camera: [\n"},
		{"bad instance", "instance_id: Line_3\n"},
		{"unknown driver", "driver: pylon\n"},
		{"gst without sources", "driver: gst\n"},
		{"bad format", "camera:\n  pixel_format: bayer\n"},
		{"bad size", "camera:\n  width: -1\n"},
		{"bad strategy", "grab:\n  strategy: newest\n"},
		{"bad sink format", "sink:\n  format: tiff\n"},
		{"mqtt without broker", "mqtt:\n  enabled: true\n"},
		{"negative retries", "restart:\n  max_retries: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorIs(t, err, camgrab.ErrInvalidConfiguration)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, camgrab.ErrInvalidConfiguration)
}

func TestLoad_SearchesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, LocalFile), []byte("instance_id: from-cwd\n"), 0o600))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	path, ok := Find()
	require.True(t, ok)
	assert.Equal(t, LocalFile, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-cwd", cfg.InstanceID)
}
