package camgrab

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable is returned when a device cannot be claimed (busy, absent, no permission)
	ErrDeviceUnavailable = errors.New("camgrab: device unavailable")

	// ErrInvalidConfiguration is returned when the device or the library rejects a parameter
	ErrInvalidConfiguration = errors.New("camgrab: invalid configuration")

	// ErrRetrievalTimeout is returned when no frame arrived within the retrieval timeout
	ErrRetrievalTimeout = errors.New("camgrab: retrieval timeout")

	// ErrNoDevicesFound is returned when enumeration yields no devices
	ErrNoDevicesFound = errors.New("camgrab: no devices found")

	// ErrNoFramesAvailable is returned when a composite is requested before any frame arrived
	ErrNoFramesAvailable = errors.New("camgrab: no frames available")

	// ErrNotOpen is returned by operations that need an open device
	ErrNotOpen = errors.New("camgrab: device not open")

	// ErrNotGrabbing is returned by Retrieve outside a grab session
	ErrNotGrabbing = errors.New("camgrab: device not grabbing")

	// ErrAlreadyStarted is returned when a loop or array is started twice
	ErrAlreadyStarted = errors.New("camgrab: already started")
)

// DeviceError reports a failed grab result.
//
// It is fatal for a single-device loop and contained to its context inside an array.
type DeviceError struct {
	Context     int
	Code        int
	Description string
}

func (e *DeviceError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("camgrab: device error on context %d: code %d", e.Context, e.Code)
	}
	return fmt.Sprintf("camgrab: device error on context %d: code %d: %s", e.Context, e.Code, e.Description)
}

// TransportError reports that the device or its transport layer went away.
//
// It stops an array entirely.
type TransportError struct {
	Context int
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("camgrab: transport failure on context %d: %v", e.Context, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err stops a device array.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
