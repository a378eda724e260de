package kernel

import (
	"fmt"
	"slices"
)

// ArgumentID identifies a kernel argument across the kernels of a composition.
type ArgumentID uint64

// Access is how a kernel uses an argument.
type Access uint8

const (
	ReadOnly Access = iota
	WriteOnly
	ReadWrite
)

func (a Access) String() string {
	switch a {
	case WriteOnly:
		return "write"
	case ReadWrite:
		return "read_write"
	default:
		return "read"
	}
}

// Writable reports whether a kernel may change the argument.
func (a Access) Writable() bool { return a != ReadOnly }

// Element is the set of supported host element types.
type Element interface {
	int32 | float32 | float64
}

// ElemType names the element type held by an Argument.
type ElemType uint8

const (
	Int32 ElemType = iota + 1
	Float32
	Float64
)

func (e ElemType) String() string {
	switch e {
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "invalid"
	}
}

// Size is the element width in bytes.
func (e ElemType) Size() int {
	switch e {
	case Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// Argument is typed host data bound to kernels by ID.
type Argument struct {
	ID     ArgumentID
	Name   string
	Access Access
	Scalar bool
	data   any
}

// NewVector wraps data as a vector argument. The slice is not copied.
func NewVector[T Element](id ArgumentID, name string, access Access, data []T) Argument {
	return Argument{ID: id, Name: name, Access: access, data: data}
}

// NewScalar wraps a single read-only value.
func NewScalar[T Element](id ArgumentID, name string, v T) Argument {
	return Argument{ID: id, Name: name, Access: ReadOnly, Scalar: true, data: []T{v}}
}

// Data returns the argument's elements when they are of type T.
func Data[T Element](a Argument) ([]T, bool) {
	d, ok := a.data.([]T)
	return d, ok
}

// WithData returns a copy of a carrying data in place of its elements.
func WithData[T Element](a Argument, data []T) Argument {
	a.data = data
	return a
}

func (a Argument) Type() ElemType {
	switch a.data.(type) {
	case []int32:
		return Int32
	case []float32:
		return Float32
	case []float64:
		return Float64
	default:
		return 0
	}
}

func (a Argument) Len() int {
	switch d := a.data.(type) {
	case []int32:
		return len(d)
	case []float32:
		return len(d)
	case []float64:
		return len(d)
	default:
		return 0
	}
}

// Bytes is the size of the element data.
func (a Argument) Bytes() int64 {
	return int64(a.Len()) * int64(a.Type().Size())
}

// Clone deep-copies the element data.
func (a Argument) Clone() Argument {
	switch d := a.data.(type) {
	case []int32:
		a.data = slices.Clone(d)
	case []float32:
		a.data = slices.Clone(d)
	case []float64:
		a.data = slices.Clone(d)
	}
	return a
}

// Zeroed returns a copy of a with the same length and all elements zero.
func (a Argument) Zeroed() Argument {
	switch d := a.data.(type) {
	case []int32:
		a.data = make([]int32, len(d))
	case []float32:
		a.data = make([]float32, len(d))
	case []float64:
		a.data = make([]float64, len(d))
	}
	return a
}

// Float64s converts the elements to float64 for comparison.
func (a Argument) Float64s() []float64 {
	switch d := a.data.(type) {
	case []int32:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out
	case []float32:
		out := make([]float64, len(d))
		for i, v := range d {
			out[i] = float64(v)
		}
		return out
	case []float64:
		return slices.Clone(d)
	default:
		return nil
	}
}

// CopyFrom overwrites a's elements with src's. Both must hold the same type
// and src must not be longer.
func (a Argument) CopyFrom(src Argument) error {
	if a.Type() != src.Type() {
		return fmt.Errorf("argument %d: cannot copy %s into %s", a.ID, src.Type(), a.Type())
	}
	if src.Len() > a.Len() {
		return fmt.Errorf("argument %d: source has %d elements, destination %d", a.ID, src.Len(), a.Len())
	}
	switch d := a.data.(type) {
	case []int32:
		copy(d, src.data.([]int32))
	case []float32:
		copy(d, src.data.([]float32))
	case []float64:
		copy(d, src.data.([]float64))
	}
	return nil
}

// Validate reports malformed arguments.
func (a Argument) Validate() error {
	if a.Type() == 0 {
		return fmt.Errorf("argument %d (%s): no data", a.ID, a.Name)
	}
	if a.Scalar && a.Len() != 1 {
		return fmt.Errorf("argument %d (%s): scalar holds %d elements", a.ID, a.Name, a.Len())
	}
	return nil
}
