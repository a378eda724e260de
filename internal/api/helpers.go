package api

import (
	"io"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

func writeError(c *echo.Context, err error) error {
	status, errType := statusFor(err)
	return c.JSON(status, map[string]any{
		"error": ErrorBody{Message: err.Error(), Type: errType},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, newInvalidRequest("invalid request body: %w", err)
	}
	return out, nil
}

// intQuery parses a non-negative integer query parameter. Missing means def.
func intQuery(c *echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, newInvalidRequest("%s must be a non-negative integer", name)
	}
	return n, nil
}
