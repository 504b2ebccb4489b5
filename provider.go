package camgrab

import "context"

// FrameSink is a bounded store of the most recent frames of one device.
//
// Implementations must guarantee:
//   - Reset() removes every artifact of a previous session and rewinds the cursor to slot 1
//   - Write() stores at the cursor, overwriting whatever was there, then advances it
//     (wrapping from capacity back to 1)
//   - Write() never waits on other goroutines
//   - Write() does not retain frame.Data after returning (the frame is released right after)
type FrameSink interface {
	Reset() error
	Write(frame *Frame) (slot int, err error)
}

// FrameObserver is notified after a frame has been routed to its sink.
//
// OnFrame runs on the acquisition goroutine: it must return quickly and must
// not keep frame.Data past the call. slot is 0 when the context has no sink.
type FrameObserver interface {
	OnFrame(contextID, slot int, frame *Frame)
}

// ObserverFunc adapts a function to FrameObserver.
type ObserverFunc func(contextID, slot int, frame *Frame)

// OnFrame calls f(contextID, slot, frame).
func (f ObserverFunc) OnFrame(contextID, slot int, frame *Frame) {
	f(contextID, slot, frame)
}

// Consumer is the downstream component (display, inference, preview) that
// runs next to an acquisition session.
//
// Start returns once the consumer runs in the background. Stop is idempotent.
// Wait blocks until the consumer has finished and returns its terminal error.
type Consumer interface {
	Start(ctx context.Context) error
	Stop() error
	Wait() error
}

// ExitFunc is a cancellation predicate checked between retrievals.
// Returning true ends the session as an external stop.
type ExitFunc func() bool
