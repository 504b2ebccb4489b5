package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/e7canasta/camgrab"
	"github.com/e7canasta/camgrab/composite"
	"github.com/e7canasta/camgrab/internal/restart"
	"github.com/e7canasta/camgrab/sink"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

func invalid(format string, args ...any) error {
	return fmt.Errorf("config: %w: %s", camgrab.ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

// Validate checks the configuration and fills unset values with defaults.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "camgrab"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return invalid("instance_id must match pattern [a-z0-9-]+")
	}

	switch cfg.Driver {
	case "", "sim":
		cfg.Driver = "sim"
		if cfg.Sim.Count <= 0 {
			cfg.Sim.Count = 2
		}
		if cfg.Sim.FPS <= 0 {
			cfg.Sim.FPS = 30
		}
	case "gst":
		if len(cfg.Sources) == 0 {
			return invalid("driver gst requires at least one source")
		}
		for i, s := range cfg.Sources {
			if s.Launch == "" {
				return invalid("sources[%d].launch is required", i)
			}
		}
	case "v4l2":
	default:
		return invalid("unknown driver %q (must be sim, gst or v4l2)", cfg.Driver)
	}

	if cfg.MaxDevices <= 0 {
		cfg.MaxDevices = camgrab.DefaultMaxDevices
	}

	if _, err := camgrab.ParsePixelFormat(cfg.Camera.PixelFormat); err != nil {
		return fmt.Errorf("config: camera.pixel_format: %w", err)
	}
	if err := cfg.DeviceConfig().Validate(); err != nil {
		return fmt.Errorf("config: camera: %w", err)
	}

	if _, err := camgrab.ParseGrabStrategy(cfg.Grab.Strategy); err != nil {
		return fmt.Errorf("config: grab.strategy: %w", err)
	}
	if cfg.Grab.TimeoutMS <= 0 {
		cfg.Grab.TimeoutMS = int(camgrab.DefaultLoopTimeout / time.Millisecond)
	}
	if cfg.Grab.ArrayTimeoutMS <= 0 {
		cfg.Grab.ArrayTimeoutMS = int(camgrab.DefaultArrayTimeout / time.Millisecond)
	}
	if cfg.Grab.IntervalMS < 0 || cfg.Grab.StatusEveryS < 0 {
		return invalid("grab.interval_ms and grab.status_every_s must be >= 0")
	}

	if _, err := sink.EncoderFor(cfg.Sink.Format, cfg.Sink.Quality); err != nil {
		return fmt.Errorf("config: %w: %v", camgrab.ErrInvalidConfiguration, err)
	}
	if cfg.Sink.Quality <= 0 {
		cfg.Sink.Quality = 90
	}
	if cfg.Sink.Quality > 100 {
		return invalid("sink.quality must be <= 100")
	}
	if cfg.Sink.Capacity <= 0 {
		cfg.Sink.Capacity = sink.DefaultCapacity
	}

	if cfg.Composite.FitWidth < 0 || cfg.Composite.FitHeight < 0 {
		return invalid("composite fit size must be >= 0")
	}

	if cfg.Restart.MaxRetries < 0 {
		return invalid("restart.max_retries must be >= 0")
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.Broker == "" {
			return invalid("mqtt.broker is required when mqtt is enabled")
		}
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = "camgrab/" + cfg.InstanceID
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "camgrab-" + cfg.InstanceID
		}
		if cfg.MQTT.QoS > 2 {
			return invalid("mqtt.qos must be 0, 1 or 2")
		}
	}

	if cfg.Preview.Addr == "" {
		cfg.Preview.Addr = ":8090"
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}
	return nil
}

// DeviceConfig returns the acquisition parameters. The pixel format must
// already be valid.
func (c *Config) DeviceConfig() camgrab.DeviceConfig {
	format, _ := camgrab.ParsePixelFormat(c.Camera.PixelFormat)
	return camgrab.DeviceConfig{
		Width:          c.Camera.Width,
		Height:         c.Camera.Height,
		ExposureMicros: c.Camera.ExposureUS,
		Gain:           c.Camera.Gain,
		PixelFormat:    format,
		FPS:            c.Camera.FPS,
		QueueSize:      c.Camera.QueueSize,
	}
}

// Strategy returns the grab strategy.
func (c *Config) Strategy() camgrab.GrabStrategy {
	s, _ := camgrab.ParseGrabStrategy(c.Grab.Strategy)
	return s
}

// LoopTimeout returns the single-device retrieval timeout.
func (c *Config) LoopTimeout() time.Duration {
	return time.Duration(c.Grab.TimeoutMS) * time.Millisecond
}

// ArrayTimeout returns the array retrieval timeout.
func (c *Config) ArrayTimeout() time.Duration {
	return time.Duration(c.Grab.ArrayTimeoutMS) * time.Millisecond
}

// Interval returns the pause between array retrievals.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Grab.IntervalMS) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown bound.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// RestartConfig returns the backoff settings of the restart policy.
func (c *Config) RestartConfig() restart.Config {
	return restart.Config{
		MaxRetries:    c.Restart.MaxRetries,
		RetryDelay:    time.Duration(c.Restart.RetryDelayMS) * time.Millisecond,
		MaxRetryDelay: time.Duration(c.Restart.MaxRetryDelayMS) * time.Millisecond,
	}
}

// CompositeConfig returns the composite rendering settings.
func (c *Config) CompositeConfig() composite.Config {
	return composite.Config{FitWidth: c.Composite.FitWidth, FitHeight: c.Composite.FitHeight}
}
