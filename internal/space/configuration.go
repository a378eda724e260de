package space

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Pair binds one parameter name to its assigned value.
type Pair struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Configuration is one assignment of values to every declared parameter, in
// declaration order. The zero value is the empty configuration.
type Configuration struct {
	pairs []Pair
}

// NewConfiguration builds a configuration from explicit pairs. It is mostly
// useful for reference configurations and tests; the space produces its own.
func NewConfiguration(pairs ...Pair) Configuration {
	return Configuration{pairs: append([]Pair(nil), pairs...)}
}

func (c Configuration) Len() int { return len(c.pairs) }

// Pairs returns a copy of the ordered (parameter, value) pairs.
func (c Configuration) Pairs() []Pair {
	return append([]Pair(nil), c.pairs...)
}

// Get returns the value assigned to name.
func (c Configuration) Get(name string) (Value, bool) {
	for _, p := range c.pairs {
		if p.Name == name {
			return p.Value, true
		}
	}
	return Value{}, false
}

// Int returns the integer value of name, or def when it is not assigned.
func (c Configuration) Int(name string, def int64) int64 {
	if v, ok := c.Get(name); ok {
		return v.Int()
	}
	return def
}

// Equal reports whether both configurations hold the same pairs in the same order.
func (c Configuration) Equal(o Configuration) bool {
	if len(c.pairs) != len(o.pairs) {
		return false
	}
	for i := range c.pairs {
		if c.pairs[i].Name != o.pairs[i].Name || !c.pairs[i].Value.Equal(o.pairs[i].Value) {
			return false
		}
	}
	return true
}

// Key is a stable identity usable as a map key.
func (c Configuration) Key() string {
	var sb strings.Builder
	for i, p := range c.pairs {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(p.Name)
		sb.WriteByte('=')
		sb.WriteString(p.Value.kind.String())
		sb.WriteByte(':')
		sb.WriteString(p.Value.String())
	}
	return sb.String()
}

func (c Configuration) String() string {
	if len(c.pairs) == 0 {
		return "()"
	}
	var sb strings.Builder
	sb.WriteByte('(')
	for i, p := range c.pairs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.Name)
		sb.WriteByte('=')
		sb.WriteString(p.Value.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

func (c Configuration) MarshalJSON() ([]byte, error) {
	if c.pairs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.pairs)
}

func (c *Configuration) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		c.pairs = nil
		return nil
	}
	var pairs []Pair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("space: decode configuration: %w", err)
	}
	c.pairs = pairs
	return nil
}
