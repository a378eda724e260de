//go:build cuda

package cuda

import (
	"errors"
	"fmt"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/backend/cuda/native"
)

func cudaExecutionError(rec any) error {
	if recErr, ok := rec.(error); ok {
		return backend.LaunchError("cuda execution failed: %w", recErr)
	}
	return backend.LaunchError("cuda execution failed: %v", rec)
}

// classify maps a native failure onto the backend error kinds. Sticky errors
// leave the context unusable and end the session.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var nerr *native.Error
	if errors.As(err, &nerr) {
		switch {
		case nerr.Sticky():
			return backend.FatalError("%s: %s", op, nerr.Msg)
		case nerr.OutOfResources():
			return backend.ErrResourceLimit
		}
	}
	return backend.LaunchError("%s: %s", op, errorText(err))
}

func errorText(err error) string {
	var nerr *native.Error
	if errors.As(err, &nerr) {
		return nerr.Msg
	}
	return fmt.Sprint(err)
}
