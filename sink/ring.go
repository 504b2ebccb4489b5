// Package sink provides bounded circular frame stores.
//
// A Ring keeps the cursor arithmetic (1-based slots wrapping from capacity back
// to 1) and delegates storage to a Store: MemoryStore keeps frames in memory,
// DirStore writes one encoded image per slot named 01.jpg … 12.jpg.
//
//	store, _ := sink.NewDirStore("output", sink.JPEG{Quality: 90})
//	ring, _ := sink.NewRing(store, sink.DefaultCapacity)
//	loop, _ := camgrab.NewLoop(handle, ring, camgrab.LoopConfig{})
package sink

import (
	"errors"
	"fmt"
	"sync"

	"github.com/e7canasta/camgrab"
)

// DefaultCapacity is the number of slots of a session sink.
const DefaultCapacity = 12

// ErrInvalidFrame is returned when a frame without pixel data is written.
var ErrInvalidFrame = errors.New("sink: invalid frame")

// Store persists one frame per slot.
type Store interface {
	// Clear removes every stored artifact.
	Clear() error
	// Put stores frame at slot (1-based), replacing any previous content.
	// It must not keep frame.Data after returning.
	Put(slot int, frame *camgrab.Frame) error
}

// Ring is a FrameSink with a fixed number of slots over a Store.
//
// One producer writes; Cursor, Latest and Written may be read concurrently.
type Ring struct {
	store    Store
	capacity int

	mu      sync.Mutex
	cursor  int
	latest  int
	written uint64
}

var _ camgrab.FrameSink = (*Ring)(nil)

// NewRing creates a ring of capacity slots over store.
func NewRing(store Store, capacity int) (*Ring, error) {
	if store == nil {
		return nil, fmt.Errorf("sink: store is required")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("sink: invalid capacity %d", capacity)
	}
	return &Ring{store: store, capacity: capacity, cursor: 1}, nil
}

// Reset clears the store and rewinds the cursor to slot 1.
func (r *Ring) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.Clear(); err != nil {
		return fmt.Errorf("sink: reset: %w", err)
	}
	r.cursor = 1
	r.latest = 0
	r.written = 0
	return nil
}

// Write stores frame at the cursor and advances it, wrapping after capacity.
// Returns the slot that was written.
func (r *Ring) Write(frame *camgrab.Frame) (int, error) {
	if frame == nil || len(frame.Data) == 0 {
		return 0, ErrInvalidFrame
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slot := r.cursor
	if err := r.store.Put(slot, frame); err != nil {
		return 0, fmt.Errorf("sink: write slot %02d: %w", slot, err)
	}
	r.latest = slot
	r.written++
	r.cursor = slot%r.capacity + 1
	return slot, nil
}

// Capacity returns the number of slots.
func (r *Ring) Capacity() int {
	return r.capacity
}

// Cursor returns the slot the next Write goes to.
func (r *Ring) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Latest returns the most recently written slot; ok is false before the first write.
func (r *Ring) Latest() (slot int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latest, r.latest > 0
}

// Written returns the number of frames written since the last Reset.
func (r *Ring) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Store returns the underlying store.
func (r *Ring) Store() Store {
	return r.store
}
