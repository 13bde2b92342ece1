// Package kerrors defines the error kinds surfaced by the Exo-OS core.
// They are plain sentinel errors rather than an errno-style integer or
// a bespoke per-package enum, because failures here routinely cross
// package boundaries and callers need to branch on them with
// errors.Is, which a bare nil/false return cannot support once the
// failure kind has to travel further than its own function.
package kerrors

import "errors"

var (
	// ErrOutOfMemory: no frame, no object at any allocator level.
	ErrOutOfMemory = errors.New("exo: out of memory")
	// ErrRingFull: the fusion ring has no free slot for this send.
	ErrRingFull = errors.New("exo: ring full")
	// ErrRingEmpty: the fusion ring has no slot ready to receive.
	ErrRingEmpty = errors.New("exo: ring empty")
	// ErrTooLarge: payload exceeds the mode's maximum size.
	ErrTooLarge = errors.New("exo: payload too large")
	// ErrQueueFull: a driver's batch queue is saturated.
	ErrQueueFull = errors.New("exo: queue full")
	// ErrTimeout: a driver wait expired.
	ErrTimeout = errors.New("exo: timeout")
	// ErrUnknownThread: the scheduler was asked about a thread id it
	// never saw registered.
	ErrUnknownThread = errors.New("exo: unknown thread")
)

// DeviceError wraps an opaque error surfaced verbatim from a device;
// the controller does not interpret it.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string { return "exo: device error: " + e.Err.Error() }

func (e *DeviceError) Unwrap() error { return e.Err }

// NewDeviceError wraps err as a DeviceError.
func NewDeviceError(err error) error {
	if err == nil {
		return nil
	}
	return &DeviceError{Err: err}
}
