package fpsstats

import (
	"sync"
	"time"
)

// Window keeps the timestamps of the most recent frames.
// Safe for one writer and concurrent readers.
type Window struct {
	mu    sync.Mutex
	times []time.Time
	head  int
	full  bool
}

// NewWindow creates a window holding up to size timestamps (minimum 2).
func NewWindow(size int) *Window {
	if size < 2 {
		size = 2
	}
	return &Window{times: make([]time.Time, size)}
}

// Add records a frame timestamp, overwriting the oldest when full.
func (w *Window) Add(t time.Time) {
	w.mu.Lock()
	w.times[w.head] = t
	w.head = (w.head + 1) % len(w.times)
	if w.head == 0 {
		w.full = true
	}
	w.mu.Unlock()
}

// Reset drops every recorded timestamp.
func (w *Window) Reset() {
	w.mu.Lock()
	w.head = 0
	w.full = false
	w.mu.Unlock()
}

// Snapshot returns the recorded timestamps, oldest first.
func (w *Window) Snapshot() []time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.full {
		out := make([]time.Time, w.head)
		copy(out, w.times[:w.head])
		return out
	}
	out := make([]time.Time, 0, len(w.times))
	out = append(out, w.times[w.head:]...)
	out = append(out, w.times[:w.head]...)
	return out
}

// Stats computes statistics over the window, measuring the duration from the
// oldest timestamp to the newest.
func (w *Window) Stats() Stats {
	times := w.Snapshot()
	if len(times) < 2 {
		return Stats{Frames: len(times)}
	}
	span := times[len(times)-1].Sub(times[0])
	// n timestamps delimit n-1 intervals; scale so Mean is the interval rate
	total := span * time.Duration(len(times)) / time.Duration(len(times)-1)
	return Calculate(times, total)
}
