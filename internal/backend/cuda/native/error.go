//go:build cuda

package native

import "fmt"

// Error is a failed runtime, driver or NVRTC call.
type Error struct {
	API  string
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.API, e.Code, e.Msg)
}

// Error codes shared by the runtime and driver APIs.
const (
	codeInvalidValue         = 1
	codeOutOfMemory          = 2
	codeNoDevice             = 100
	codeECCUncorrectable     = 214
	codeIllegalAddress       = 700
	codeLaunchOutOfResources = 701
	codeLaunchTimeout        = 702
	codeLaunchFailed         = 719
	codeUnknown              = 999
)

// OutOfResources reports launches rejected for their resource usage.
func (e *Error) OutOfResources() bool {
	return e.Code == codeLaunchOutOfResources || e.Code == codeOutOfMemory
}

// InvalidConfiguration reports launches rejected for their geometry.
func (e *Error) InvalidConfiguration() bool {
	return e.Code == codeInvalidValue
}

// Sticky reports errors that corrupt the context; the device cannot be
// used again without a reset.
func (e *Error) Sticky() bool {
	switch e.Code {
	case codeNoDevice, codeECCUncorrectable, codeIllegalAddress, codeLaunchTimeout, codeLaunchFailed, codeUnknown:
		return true
	default:
		return false
	}
}
