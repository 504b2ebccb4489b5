// Package composite keeps the latest frame of every context of a device array
// and renders them side by side.
package composite

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync/atomic"

	"github.com/disintegration/imaging"

	"github.com/e7canasta/camgrab"
	"github.com/e7canasta/camgrab/internal/convert"
)

// Default display window the composite is fitted into.
const (
	DefaultFitWidth  = 1500
	DefaultFitHeight = 600
)

// Config configures rendering.
type Config struct {
	// FitWidth and FitHeight bound the rendered image; larger composites are
	// scaled down keeping the aspect ratio. Zero disables fitting.
	FitWidth  int
	FitHeight int
	// Background fills the area left when frames differ in width after height
	// normalisation (default black)
	Background color.Color
}

// View holds the most recent successful frame of each tracked context.
//
// Update is lock-free and safe to call from the acquisition goroutine while
// consumers Render, Snapshot or Wait concurrently.
type View struct {
	slots   []atomic.Pointer[camgrab.Frame]
	version atomic.Uint64
	notify  atomic.Pointer[chan struct{}]
	cfg     Config
}

var _ camgrab.FrameObserver = (*View)(nil)

// New creates a view tracking contexts 0..contexts-1.
func New(contexts int, cfg Config) (*View, error) {
	if contexts <= 0 {
		return nil, fmt.Errorf("composite: invalid number of contexts %d", contexts)
	}
	if cfg.Background == nil {
		cfg.Background = color.Black
	}
	v := &View{
		slots: make([]atomic.Pointer[camgrab.Frame], contexts),
		cfg:   cfg,
	}
	ch := make(chan struct{})
	v.notify.Store(&ch)
	return v, nil
}

// Contexts returns the number of tracked contexts.
func (v *View) Contexts() int {
	return len(v.slots)
}

// Update stores frame as the latest of contextID. The view takes ownership of
// frame; callers holding a GrabResult must pass a clone.
func (v *View) Update(contextID int, frame *camgrab.Frame) error {
	if contextID < 0 || contextID >= len(v.slots) {
		return fmt.Errorf("composite: context %d not tracked (have %d)", contextID, len(v.slots))
	}
	if frame == nil || len(frame.Data) == 0 {
		return fmt.Errorf("composite: empty frame for context %d", contextID)
	}
	v.slots[contextID].Store(frame)
	v.version.Add(1)

	next := make(chan struct{})
	prev := v.notify.Swap(&next)
	close(*prev)
	return nil
}

// OnFrame implements camgrab.FrameObserver by storing a copy of frame.
func (v *View) OnFrame(contextID, _ int, frame *camgrab.Frame) {
	if err := v.Update(contextID, frame.Clone()); err != nil {
		slog.Debug("composite: frame ignored", "context", contextID, "error", err)
	}
}

// Version returns a counter incremented by every Update.
func (v *View) Version() uint64 {
	return v.version.Load()
}

// Wait blocks until the version differs from since or ctx is done.
// It returns the current version.
func (v *View) Wait(ctx context.Context, since uint64) (uint64, error) {
	for {
		ch := *v.notify.Load()
		if cur := v.version.Load(); cur != since {
			return cur, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return v.version.Load(), ctx.Err()
		}
	}
}

// Snapshot returns the latest frame of every context, nil where none arrived yet.
// Returned frames are shared and must not be modified.
func (v *View) Snapshot() []*camgrab.Frame {
	out := make([]*camgrab.Frame, len(v.slots))
	for i := range v.slots {
		out[i] = v.slots[i].Load()
	}
	return out
}

// Frames returns the frames a Render would use: one per context in ascending
// order, contexts without a frame filled with the first available one.
func (v *View) Frames() ([]*camgrab.Frame, error) {
	frames := v.Snapshot()

	var fallback *camgrab.Frame
	for _, f := range frames {
		if f != nil {
			fallback = f
			break
		}
	}
	if fallback == nil {
		return nil, camgrab.ErrNoFramesAvailable
	}
	for i, f := range frames {
		if f == nil {
			frames[i] = fallback
		}
	}
	return frames, nil
}

// Render concatenates the latest frames horizontally, left to right by
// ascending context id. Frames are scaled to the tallest height first.
// Returns camgrab.ErrNoFramesAvailable when no context has produced a frame.
func (v *View) Render() (*image.NRGBA, error) {
	frames, err := v.Frames()
	if err != nil {
		return nil, err
	}

	imgs := make([]image.Image, len(frames))
	height := 0
	for i, f := range frames {
		img, err := convert.ToImage(f)
		if err != nil {
			return nil, fmt.Errorf("composite: context %d: %w", i, err)
		}
		imgs[i] = img
		if h := img.Bounds().Dy(); h > height {
			height = h
		}
	}

	width := 0
	for i, img := range imgs {
		if img.Bounds().Dy() != height {
			imgs[i] = imaging.Resize(img, 0, height, imaging.Linear)
		}
		width += imgs[i].Bounds().Dx()
	}

	dst := imaging.New(width, height, v.cfg.Background)
	x := 0
	for _, img := range imgs {
		dst = imaging.Paste(dst, img, image.Pt(x, 0))
		x += img.Bounds().Dx()
	}

	if v.cfg.FitWidth > 0 && v.cfg.FitHeight > 0 {
		dst = imaging.Fit(dst, v.cfg.FitWidth, v.cfg.FitHeight, imaging.Lanczos)
	}
	return dst, nil
}
