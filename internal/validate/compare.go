package validate

import (
	"fmt"
	"math"

	"github.com/samcharles93/ktune/internal/kernel"
)

// Comparator checks a tuned output against the golden one and returns a
// description of the first divergence, or nil when they match.
type Comparator func(expected, actual kernel.Argument) error

// DefaultTolerance is used for floating point data when no comparator is set.
const DefaultTolerance = 1e-4

func lengths(expected, actual kernel.Argument) error {
	if expected.Len() != actual.Len() {
		return fmt.Errorf("%s: expected %d elements, got %d", expected.Name, expected.Len(), actual.Len())
	}
	if expected.Type() != actual.Type() {
		return fmt.Errorf("%s: expected %s data, got %s", expected.Name, expected.Type(), actual.Type())
	}
	return nil
}

// Exact requires bitwise equal elements.
func Exact() Comparator {
	return func(expected, actual kernel.Argument) error {
		if err := lengths(expected, actual); err != nil {
			return err
		}
		e, a := expected.Float64s(), actual.Float64s()
		for i := range e {
			if e[i] != a[i] && !(math.IsNaN(e[i]) && math.IsNaN(a[i])) {
				return fmt.Errorf("%s[%d]: expected %g, got %g", expected.Name, i, e[i], a[i])
			}
		}
		return nil
	}
}

// AbsoluteDifference accepts outputs whose summed absolute difference is at
// most tol.
func AbsoluteDifference(tol float64) Comparator {
	return func(expected, actual kernel.Argument) error {
		if err := lengths(expected, actual); err != nil {
			return err
		}
		e, a := expected.Float64s(), actual.Float64s()
		var sum float64
		for i := range e {
			sum += math.Abs(e[i] - a[i])
		}
		if sum > tol || math.IsNaN(sum) {
			return fmt.Errorf("%s: summed difference %g exceeds %g", expected.Name, sum, tol)
		}
		return nil
	}
}

// SideBySide accepts outputs where every element is within tol.
func SideBySide(tol float64) Comparator {
	return func(expected, actual kernel.Argument) error {
		if err := lengths(expected, actual); err != nil {
			return err
		}
		e, a := expected.Float64s(), actual.Float64s()
		for i := range e {
			if d := math.Abs(e[i] - a[i]); d > tol || math.IsNaN(d) {
				return fmt.Errorf("%s[%d]: expected %g, got %g", expected.Name, i, e[i], a[i])
			}
		}
		return nil
	}
}

// WithRange limits c to the first n elements of both outputs.
func WithRange(n int, c Comparator) Comparator {
	return func(expected, actual kernel.Argument) error {
		return c(head(expected, n), head(actual, n))
	}
}

func head(a kernel.Argument, n int) kernel.Argument {
	if n <= 0 || n >= a.Len() {
		return a
	}
	switch a.Type() {
	case kernel.Int32:
		d, _ := kernel.Data[int32](a)
		return kernel.WithData(a, d[:n])
	case kernel.Float32:
		d, _ := kernel.Data[float32](a)
		return kernel.WithData(a, d[:n])
	default:
		d, _ := kernel.Data[float64](a)
		return kernel.WithData(a, d[:n])
	}
}

// ParseMethod builds a comparator from its name: "exact",
// "absolute_difference" or "side_by_side".
func ParseMethod(name string, tol float64) (Comparator, error) {
	switch name {
	case "exact":
		return Exact(), nil
	case "absolute_difference":
		return AbsoluteDifference(tol), nil
	case "", "side_by_side":
		return SideBySide(tol), nil
	default:
		return nil, fmt.Errorf("unknown validation method %q (expected exact, absolute_difference or side_by_side)", name)
	}
}
