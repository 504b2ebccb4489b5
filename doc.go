// Package camgrab acquires frames from industrial cameras into bounded rings.
//
// A Driver enumerates devices and binds a Camera to each DeviceRef. A Handle
// wraps one camera with the open, configure, grab and close lifecycle and
// per-device counters. Two acquisition modes build on handles:
//
//   - Loop moves frames from one handle into one FrameSink. A retrieval
//     timeout or a failed grab ends it; the device is stopped and closed on
//     every exit path.
//   - Array retrieves from several handles through a single goroutine. A failed
//     grab or a stalled device is contained to its context, a transport failure
//     stops the whole array.
//
// Frames are handed to FrameObserver implementations after they are stored,
// which is how the composite view and the frame notifier follow acquisition.
package camgrab
