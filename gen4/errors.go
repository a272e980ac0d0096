package gen4

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongMode is returned when an operation needs the controller
	// in a device mode it is not currently in.
	ErrWrongMode = errors.New("gen4: wrong device mode")

	// ErrBusy is returned when the command register still holds an
	// unfinished command.
	ErrBusy = errors.New("gen4: command engine busy")

	// ErrTimeout is returned when the controller does not answer
	// within the configured window.
	ErrTimeout = errors.New("gen4: timed out waiting for controller")

	// ErrInvalidResponse is returned when a command response fails
	// its echo or status checks.
	ErrInvalidResponse = errors.New("gen4: invalid controller response")

	// ErrCRCMismatch is returned when a stored configuration block
	// fails its CRC check.
	ErrCRCMismatch = errors.New("gen4: configuration crc mismatch")

	// ErrCorruptFirmware is returned when the bootloader reports that
	// the touch application image failed validation.
	ErrCorruptFirmware = errors.New("gen4: corrupt touch application")

	// ErrExclusiveBusy is returned by a zero-timeout exclusive access
	// request when the controller is already claimed.
	ErrExclusiveBusy = errors.New("gen4: controller claimed by another owner")

	// ErrNotOwner is returned when releasing exclusive access the
	// caller does not hold.
	ErrNotOwner = errors.New("gen4: exclusive access not held by caller")

	// ErrNoDevice is returned when no controller answers on the bus.
	ErrNoDevice = errors.New("gen4: no controller detected")
)

// ErrNotReady is returned when an operation needs the system
// information map before it has been read. It matches ErrNoDevice:
// until the map is in, no controller has answered the way one would.
var ErrNotReady = fmt.Errorf("%w: system information not read", ErrNoDevice)
