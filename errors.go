package minidaq

import "errors"

// Error kinds used throughout the acquisition subsystem. Fallible calls wrap
// these with fmt.Errorf("%w: ...") so callers can test the kind with
// errors.Is while still seeing the specific context in the message.
var (
	// ErrInvalidArgument means a configuration failed validation before any
	// hardware was touched.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrResourceBusy means a second concurrent claim on a single-instance
	// resource (engine session, DMM, DSO) or a reconfigure while running.
	ErrResourceBusy = errors.New("resource busy")

	// ErrHardwareFault means the peripheral driver reported a failure.
	ErrHardwareFault = errors.New("hardware fault")

	// ErrDeviceNotReady means an operation was requested before Init.
	ErrDeviceNotReady = errors.New("device not ready")

	// ErrTimeout means a command-layer poll exceeded its deadline.
	ErrTimeout = errors.New("timeout")
)
