package backend

import (
	"errors"
	"fmt"
)

var (
	ErrCompilation = errors.New("compilation failed")
	ErrLaunch      = errors.New("launch failed")
	// ErrFatal means the device can no longer be used.
	ErrFatal = errors.New("fatal backend error")

	// ErrResourceLimit is returned when a launch exceeds a device limit.
	ErrResourceLimit = LaunchError("resource limit exceeded")
)

// Error carries a backend message verbatim together with its kind.
type Error struct {
	kind error
	msg  string
	err  error
}

func (e *Error) Error() string {
	return e.msg
}

func (e *Error) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}

// Kind is ErrCompilation, ErrLaunch or ErrFatal.
func (e *Error) Kind() error { return e.kind }

func CompilationError(format string, args ...any) error {
	return newError(ErrCompilation, format, args...)
}

func LaunchError(format string, args ...any) error {
	return newError(ErrLaunch, format, args...)
}

func FatalError(format string, args ...any) error {
	return newError(ErrFatal, format, args...)
}

func newError(kind error, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return &Error{kind: kind, msg: err.Error(), err: errors.Unwrap(err)}
}

// Recovered converts a value recovered from a panicking backend or
// manipulator into a launch error.
func Recovered(rec any) error {
	if recErr, ok := rec.(error); ok {
		if errors.Is(recErr, ErrFatal) {
			return recErr
		}
		return newError(ErrLaunch, "execution panicked: %w", recErr)
	}
	return newError(ErrLaunch, "execution panicked: %v", rec)
}

// IsFatal reports whether err ends the session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
