package camgrab

import (
	"context"
	"sync/atomic"
	"time"
)

// Driver discovers devices on one transport layer and binds them.
type Driver interface {
	// Name identifies the driver in logs and DeviceRef.Driver
	Name() string

	// Enumerate lists the devices currently present.
	// Returns ErrNoDevicesFound (possibly wrapped) when the list is empty.
	Enumerate(ctx context.Context) ([]DeviceRef, error)

	// Attach binds an enumerated device without opening it.
	Attach(ref DeviceRef) (Camera, error)
}

// Camera is the raw device primitive a driver exposes.
//
// Camera implementations are not required to enforce the handle lifecycle;
// Handle does that. Retrieve must honour both timeout and ctx and must return:
//   - ErrRetrievalTimeout (wrapped) when nothing arrived in time
//   - a *TransportError when the device is gone
//   - a failed GrabResult (nil error) when the device reported a bad frame
type Camera interface {
	Open(ctx context.Context) error
	Info() DeviceInfo
	Configure(cfg DeviceConfig) error
	StartGrabbing(strategy GrabStrategy, cfg DeviceConfig) error
	Retrieve(ctx context.Context, timeout time.Duration) (*GrabResult, error)
	StopGrabbing() error
	Close() error
}

// GrabResult is the outcome of one retrieval.
//
// The retriever owns the result until Release is called. Release is idempotent.
type GrabResult struct {
	frame       *Frame
	code        int
	description string
	context     int
	release     func()
	released    atomic.Bool
}

// NewGrabResult wraps a successful frame. release may be nil.
func NewGrabResult(frame *Frame, release func()) *GrabResult {
	return &GrabResult{frame: frame, release: release}
}

// NewFailedGrab builds a result for a frame the device reported as bad.
func NewFailedGrab(code int, description string, release func()) *GrabResult {
	return &GrabResult{code: code, description: description, release: release}
}

// Succeeded reports whether the result carries a valid frame.
func (r *GrabResult) Succeeded() bool {
	return r.frame != nil
}

// Frame returns the frame of a successful result, nil otherwise.
func (r *GrabResult) Frame() *Frame {
	return r.frame
}

// Context returns the context identifier the result was retrieved from.
func (r *GrabResult) Context() int {
	return r.context
}

// ErrorCode returns the device error code of a failed result.
func (r *GrabResult) ErrorCode() int {
	return r.code
}

// ErrorDescription returns the device error text of a failed result.
func (r *GrabResult) ErrorDescription() string {
	return r.description
}

// Err returns a *DeviceError for failed results and nil for successful ones.
func (r *GrabResult) Err() error {
	if r.Succeeded() {
		return nil
	}
	return &DeviceError{Context: r.context, Code: r.code, Description: r.description}
}

// Release hands the underlying buffer back to the driver.
func (r *GrabResult) Release() {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return
	}
	if r.release != nil {
		r.release()
	}
}

func (r *GrabResult) setContext(id int) {
	r.context = id
	if r.frame != nil {
		r.frame.Context = id
	}
}
