package silabsflasher

import (
	"errors"
	"fmt"
)

// Sentinel error kinds shared across the codecs and clients. ErrNotFound and
// ErrInvalidFormat live in gbl.go alongside the component that raises them
// most often, but are reused from here too.
var (
	ErrBufferTooShort    = errors.New("silabsflasher: buffer too short")
	ErrTimeout           = errors.New("silabsflasher: timed out")
	ErrReceiverCancelled = errors.New("silabsflasher: receiver cancelled")
	ErrTooManyFailures   = errors.New("silabsflasher: exceeded retry budget")
	ErrNoFirmware        = errors.New("silabsflasher: no runnable firmware")
	ErrNoRunningApp      = errors.New("silabsflasher: no running application detected")
	ErrInvalidArgument   = errors.New("silabsflasher: invalid argument")
)

// UploadAbortedError is returned when the Gecko bootloader rejects an
// uploaded image instead of reporting "complete".
type UploadAbortedError struct {
	Message string
}

func (e *UploadAbortedError) Error() string {
	return fmt.Sprintf("silabsflasher: upload aborted: %s", e.Message)
}

// CrossFlashError is returned when a firmware image's declared application
// type does not match the type currently running on the device, and
// cross-flashing was not explicitly allowed.
type CrossFlashError struct {
	Running  FirmwareImageType
	Firmware FirmwareImageType
}

func (e *CrossFlashError) Error() string {
	return fmt.Sprintf("silabsflasher: refusing to cross-flash %s firmware onto a running %s device", e.Firmware, e.Running)
}
