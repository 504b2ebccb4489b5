package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/e7canasta/camgrab"
	"github.com/e7canasta/camgrab/composite"
	"github.com/e7canasta/camgrab/internal/gstcam"
	"github.com/e7canasta/camgrab/internal/notify"
	"github.com/e7canasta/camgrab/internal/preview"
	"github.com/e7canasta/camgrab/internal/simcam"
	"github.com/e7canasta/camgrab/internal/v4l2cam"
	"github.com/e7canasta/camgrab/sink"
)

// newDriver returns the configured device driver.
func (a *app) newDriver() (camgrab.Driver, error) {
	switch a.cfg.Driver {
	case "sim":
		return simcam.NewN(a.cfg.Sim.Count, a.cfg.Sim.FPS), nil
	case "gst":
		return gstcam.New(a.cfg.Sources, a.logger), nil
	case "v4l2":
		var opts []v4l2cam.Option
		if a.cfg.V4L2.Pattern != "" {
			opts = append(opts, v4l2cam.WithPattern(a.cfg.V4L2.Pattern))
		}
		return v4l2cam.New(a.logger, opts...), nil
	default:
		return nil, usageError{fmt.Errorf("unknown driver %q", a.cfg.Driver)}
	}
}

// newRing returns a frame ring writing into dir, or keeping frames in memory
// when dir is empty.
func (a *app) newRing(dir string) (*sink.Ring, error) {
	var store sink.Store
	if dir == "" {
		store = sink.NewMemoryStore()
	} else {
		enc, err := sink.EncoderFor(a.cfg.Sink.Format, a.cfg.Sink.Quality)
		if err != nil {
			return nil, err
		}
		ds, err := sink.NewDirStore(dir, enc)
		if err != nil {
			return nil, err
		}
		store = ds
	}
	return sink.NewRing(store, a.cfg.Sink.Capacity)
}

// contextDir is the ring directory of an array context.
func contextDir(root string, id int) string {
	if root == "" {
		return ""
	}
	return filepath.Join(root, fmt.Sprintf("cam%d", id))
}

// fanout forwards frames to observers added before acquisition starts.
type fanout struct {
	targets []camgrab.FrameObserver
}

func (f *fanout) add(o ...camgrab.FrameObserver) {
	f.targets = append(f.targets, o...)
}

func (f *fanout) OnFrame(contextID, slot int, frame *camgrab.Frame) {
	for _, t := range f.targets {
		t.OnFrame(contextID, slot, frame)
	}
}

// frameLimit ends a session once n frames have been stored. n 0 never ends it.
type frameLimit struct {
	n    uint64
	seen atomic.Uint64
}

func (l *frameLimit) OnFrame(int, int, *camgrab.Frame) {
	l.seen.Add(1)
}

func (l *frameLimit) reached() bool {
	return l.n > 0 && l.seen.Load() >= l.n
}

// anyExit combines cancellation predicates; nil entries are skipped.
func anyExit(fns ...camgrab.ExitFunc) camgrab.ExitFunc {
	return func() bool {
		for _, fn := range fns {
			if fn != nil && fn() {
				return true
			}
		}
		return false
	}
}

// services are the consumers running next to acquisition.
type services struct {
	consumers []camgrab.Consumer
	observers []camgrab.FrameObserver
	mqtt      *notify.MQTT
	app       *app
}

// newServices builds the preview server and the MQTT notifier and control
// plane, as enabled by the configuration. stop runs the shutdown path.
func (a *app) newServices(ctx context.Context, view *composite.View, status func() map[string]any, stop func()) (*services, error) {
	s := &services{app: a}

	if a.cfg.Preview.Enabled {
		s.consumers = append(s.consumers, preview.New(view, preview.Config{
			Addr:    a.cfg.Preview.Addr,
			Quality: a.cfg.Preview.Quality,
			Status:  func() any { return status() },
			Logger:  a.logger,
		}))
	}

	if a.cfg.MQTT.Enabled {
		m := notify.NewMQTT(notify.MQTTConfig{
			Broker:   a.cfg.MQTT.Broker,
			ClientID: a.cfg.MQTT.ClientID,
			Username: a.cfg.MQTT.Username,
			Password: a.cfg.MQTT.Password,
		}, a.logger)
		if err := m.Connect(ctx); err != nil {
			return nil, err
		}
		s.mqtt = m

		prefix, qos := a.cfg.MQTT.TopicPrefix, a.cfg.MQTT.QoS
		notifier := notify.NewNotifier(m, prefix, qos, a.logger)
		control := notify.NewControl(m, prefix, qos, notify.Callbacks{
			OnStop: func() error {
				stop()
				return nil
			},
			OnStatus: status,
		}, a.logger)

		s.consumers = append(s.consumers, notifier, control)
		s.observers = append(s.observers, notifier)
	}
	return s, nil
}

// start starts every consumer; on failure the ones already started are stopped.
func (s *services) start(ctx context.Context) error {
	for i, c := range s.consumers {
		if err := c.Start(ctx); err != nil {
			for _, started := range s.consumers[:i] {
				_ = started.Stop()
			}
			s.disconnect()
			return err
		}
	}
	return nil
}

// stop stops every consumer, then closes the broker connection.
func (s *services) stop() {
	for _, c := range s.consumers {
		if err := c.Stop(); err != nil {
			s.app.logger.Warn("camgrab: consumer stop failed", "error", err)
		}
	}
	s.disconnect()
}

func (s *services) disconnect() {
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
}
