package gstcam

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies GStreamer errors for logs and error mapping.
type ErrorCategory int

const (
	// ErrCategoryDevice: the device is absent, busy or not accessible
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryNegotiation: the device cannot deliver the requested format or size
	ErrCategoryNegotiation
	// ErrCategoryTransport: the device stopped delivering while streaming
	ErrCategoryTransport
	// ErrCategoryUnknown: unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryNegotiation:
		return "negotiation"
	case ErrCategoryTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// ClassifyGError categorises an error posted on the pipeline bus.
func ClassifyGError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return Classify(gerr.Error(), gerr.DebugString())
}

// Classify categorises an error from its message and debug string.
//
// go-gst's GError does not expose the error domain, so classification relies
// on keywords. Device problems are checked first because a missing device also
// fails negotiation.
func Classify(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)

	switch {
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	case containsAny(combined, negotiationKeywords):
		return ErrCategoryNegotiation
	case containsAny(combined, transportKeywords):
		return ErrCategoryTransport
	default:
		return ErrCategoryUnknown
	}
}

var deviceKeywords = []string{
	"no such device",
	"no such file",
	"cannot identify device",
	"could not open device",
	"device or resource busy",
	"is busy",
	"permission denied",
	"not a capture device",
	"no camera",
	"camera not found",
	"failed to open camera",
}

var negotiationKeywords = []string{
	"not negotiated",
	"not-negotiated",
	"negotiation",
	"caps",
	"format",
	"unsupported",
	"invalid argument",
	"out of range",
}

var transportKeywords = []string{
	"internal data stream error",
	"stream stopped",
	"disconnected",
	"device removed",
	"timeout",
	"timed out",
	"failed to dequeue",
	"no buffer",
	"end of stream",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
