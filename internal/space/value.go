package space

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind distinguishes integer and floating point parameter values.
type Kind uint8

const (
	KindInt Kind = iota
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a single tunable parameter value.
type Value struct {
	kind Kind
	i    int64
	f    float64
}

// Int returns an integer value.
func Int(v int64) Value {
	return Value{kind: KindInt, i: v}
}

// Float returns a floating point value.
func Float(v float64) Value {
	return Value{kind: KindFloat, f: v}
}

// Ints is a shorthand for declaring integer domains.
func Ints(vs ...int64) []Value {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = Int(v)
	}
	return out
}

// Floats is a shorthand for declaring floating point domains.
func Floats(vs ...float64) []Value {
	out := make([]Value, len(vs))
	for i, v := range vs {
		out[i] = Float(v)
	}
	return out
}

func (v Value) Kind() Kind { return v.kind }

// Int returns the value as an integer. Floats are truncated.
func (v Value) Int() int64 {
	if v.kind == KindFloat {
		return int64(v.f)
	}
	return v.i
}

// Float returns the value as a float64.
func (v Value) Float() float64 {
	if v.kind == KindFloat {
		return v.f
	}
	return float64(v.i)
}

// Equal reports whether both values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	if v.kind == KindFloat {
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	}
	return v.i == o.i
}

// String renders the value the way it is substituted into kernel sources.
func (v Value) String() string {
	if v.kind == KindFloat {
		return formatFloat(v.f)
	}
	return strconv.FormatInt(v.i, 10)
}

// formatFloat always keeps a decimal point so the kind survives a text round trip.
func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return s
	}
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindFloat && (math.IsInf(v.f, 0) || math.IsNaN(v.f)) {
		return nil, fmt.Errorf("space: cannot encode %v as json", v.f)
	}
	return []byte(v.String()), nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	parsed, err := ParseValue(string(data))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseValue parses an integer literal as KindInt and anything with a
// fraction or exponent as KindFloat.
func ParseValue(s string) (Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Value{}, fmt.Errorf("space: empty value")
	}
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, fmt.Errorf("space: invalid value %q", s)
	}
	return Float(f), nil
}
