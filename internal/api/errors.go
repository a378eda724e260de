package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/samcharles93/ktune/internal/archive"
)

var (
	ErrInvalidRequest = errors.New("invalid_request")
	ErrNotFound       = errors.New("not_found")
	ErrConflict       = errors.New("conflict")
)

// requestError tags a cause with the kind of failure it reports to clients.
type requestError struct {
	kind  error
	cause error
}

func (e requestError) Error() string {
	return e.cause.Error()
}

func (e requestError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

func newInvalidRequest(format string, args ...any) error {
	return requestError{kind: ErrInvalidRequest, cause: fmt.Errorf(format, args...)}
}

func newNotFound(format string, args ...any) error {
	return requestError{kind: ErrNotFound, cause: fmt.Errorf(format, args...)}
}

func newConflict(format string, args ...any) error {
	return requestError{kind: ErrConflict, cause: fmt.Errorf(format, args...)}
}

// invalid marks err as the client's fault.
func invalid(err error) error {
	if err == nil {
		return nil
	}
	return requestError{kind: ErrInvalidRequest, cause: err}
}

// statusFor maps an error to its HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, archive.ErrInvalidID):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, ErrNotFound), errors.Is(err, archive.ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict_error"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}
