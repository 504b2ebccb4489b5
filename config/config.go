// Package config loads the camgrab YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/e7canasta/camgrab"
	"github.com/e7canasta/camgrab/internal/gstcam"
)

// LocalFile is the configuration file looked up in the working directory.
const LocalFile = "camgrab.yaml"

// xdgFile is the configuration file looked up under $XDG_CONFIG_HOME and $XDG_CONFIG_DIRS.
const xdgFile = "camgrab/config.yaml"

// Config represents the complete camgrab configuration.
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	Driver           string          `yaml:"driver"` // sim, gst, v4l2
	Sources          []gstcam.Source `yaml:"sources"`
	Sim              SimConfig       `yaml:"sim"`
	V4L2             V4L2Config      `yaml:"v4l2"`
	MaxDevices       int             `yaml:"max_devices"`
	Camera           CameraConfig    `yaml:"camera"`
	Grab             GrabConfig      `yaml:"grab"`
	Sink             SinkConfig      `yaml:"sink"`
	Composite        CompositeConfig `yaml:"composite"`
	Restart          RestartConfig   `yaml:"restart"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Preview          PreviewConfig   `yaml:"preview"`
	Log              LogConfig       `yaml:"log"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
}

// SimConfig contains the simulated driver settings
type SimConfig struct {
	Count int     `yaml:"count"` // number of emulated cameras (default: 2)
	FPS   float64 `yaml:"fps"`   // frames per second of each camera (default: 30)
}

// V4L2Config contains the V4L2 driver settings
type V4L2Config struct {
	Pattern string `yaml:"pattern"` // device node glob (default: /dev/video*)
}

// CameraConfig contains the acquisition parameters applied to every device
type CameraConfig struct {
	Width       int      `yaml:"width"`
	Height      int      `yaml:"height"`
	ExposureUS  float64  `yaml:"exposure_us"`
	Gain        *float64 `yaml:"gain"`
	PixelFormat string   `yaml:"pixel_format"` // BGR8, RGB8, Mono8, YUYV, MJPEG
	FPS         float64  `yaml:"fps"`
	QueueSize   int      `yaml:"queue_size"`
}

// GrabConfig contains loop and array timing
type GrabConfig struct {
	Strategy       string `yaml:"strategy"`         // latest_only, one_by_one
	TimeoutMS      int    `yaml:"timeout_ms"`       // single-device retrieval timeout, fatal (default: 1000)
	ArrayTimeoutMS int    `yaml:"array_timeout_ms"` // array retrieval timeout, soft (default: 5000)
	IntervalMS     int    `yaml:"interval_ms"`      // pause between array retrievals (default: 0)
	StatusEveryS   int    `yaml:"status_every_s"`   // status line period, 0 disables (default: 0)
	ExitKeys       bool   `yaml:"exit_keys"`        // stop on 'q' or ESC in the terminal
}

// SinkConfig contains the frame ring settings
type SinkConfig struct {
	Dir      string `yaml:"dir"`      // root directory; empty keeps frames in memory
	Format   string `yaml:"format"`   // jpeg, png, bmp (default: jpeg)
	Quality  int    `yaml:"quality"`  // jpeg quality (default: 90)
	Capacity int    `yaml:"capacity"` // slots per device (default: 12)
}

// CompositeConfig contains the composite view settings
type CompositeConfig struct {
	FitWidth  int `yaml:"fit_width"`  // default: 1500
	FitHeight int `yaml:"fit_height"` // default: 600
}

// RestartConfig contains the single-device restart policy
type RestartConfig struct {
	MaxRetries      int `yaml:"max_retries"` // 0 disables restarts (default)
	RetryDelayMS    int `yaml:"retry_delay_ms"`
	MaxRetryDelayMS int `yaml:"max_retry_delay_ms"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"` // default: camgrab/<instance_id>
	QoS         byte   `yaml:"qos"`
}

// PreviewConfig contains the preview server settings
type PreviewConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Quality int    `yaml:"quality"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration using the simulated driver.
func Default() *Config {
	return &Config{
		InstanceID: "camgrab",
		Driver:     "sim",
		Sim:        SimConfig{Count: 2, FPS: 30},
		MaxDevices: camgrab.DefaultMaxDevices,
		Camera: CameraConfig{
			Width:       1280,
			Height:      720,
			PixelFormat: "BGR8",
		},
		Grab: GrabConfig{
			Strategy:       "latest_only",
			TimeoutMS:      int(camgrab.DefaultLoopTimeout / time.Millisecond),
			ArrayTimeoutMS: int(camgrab.DefaultArrayTimeout / time.Millisecond),
		},
		Sink: SinkConfig{Format: "jpeg", Quality: 90, Capacity: 12},
		Composite: CompositeConfig{
			FitWidth:  1500,
			FitHeight: 600,
		},
		Restart: RestartConfig{RetryDelayMS: 1000, MaxRetryDelayMS: 30000},
		Preview: PreviewConfig{Addr: ":8090", Quality: 80},
		Log:     LogConfig{Level: "info", Format: "text"},

		ShutdownTimeoutS: 5,
	}
}

// Find returns the first existing configuration file: ./camgrab.yaml, then
// camgrab/config.yaml under the XDG config directories.
func Find() (string, bool) {
	if _, err := os.Stat(LocalFile); err == nil {
		return LocalFile, true
	}
	if path, err := xdg.SearchConfigFile(xdgFile); err == nil {
		return path, true
	}
	return "", false
}

// Load reads path, or the file found by Find when path is empty, over the
// defaults. Without any file the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		found, ok := Find()
		if !ok {
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: %w: %s not found", camgrab.ErrInvalidConfiguration, path)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %w: parse %s: %v", camgrab.ErrInvalidConfiguration, path, err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
