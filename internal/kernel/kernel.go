// Package kernel describes tunable kernels: their source, launch geometry,
// thread modifiers and the host arguments they operate on.
package kernel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/ktune/internal/space"
)

// ID distinguishes the members of a composition.
type ID uint64

// ErrIllegalGeometry marks a launch size that no device can accept.
var ErrIllegalGeometry = errors.New("illegal launch geometry")

// Dim is a three dimensional size. Zero components count as 1.
type Dim struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func D1(x int) Dim       { return Dim{X: x, Y: 1, Z: 1} }
func D2(x, y int) Dim    { return Dim{X: x, Y: y, Z: 1} }
func D3(x, y, z int) Dim { return Dim{X: x, Y: y, Z: z} }

// Normalize replaces zero components with 1.
func (d Dim) Normalize() Dim {
	if d.X == 0 {
		d.X = 1
	}
	if d.Y == 0 {
		d.Y = 1
	}
	if d.Z == 0 {
		d.Z = 1
	}
	return d
}

// Size is the number of elements covered.
func (d Dim) Size() int {
	n := d.Normalize()
	return n.X * n.Y * n.Z
}

func (d Dim) String() string {
	return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z)
}

func (d *Dim) axis(a Axis) *int {
	switch a {
	case AxisY:
		return &d.Y
	case AxisZ:
		return &d.Z
	default:
		return &d.X
	}
}

// Groups is the number of work-groups of size local needed to cover d.
// Partial groups are rounded up.
func (d Dim) Groups(local Dim) Dim {
	g, l := d.Normalize(), local.Normalize()
	return Dim{
		X: (g.X + l.X - 1) / l.X,
		Y: (g.Y + l.Y - 1) / l.Y,
		Z: (g.Z + l.Z - 1) / l.Z,
	}
}

type Target uint8

const (
	Global Target = iota
	Local
)

func (t Target) String() string {
	if t == Local {
		return "local"
	}
	return "global"
}

type Action uint8

const (
	Add Action = iota
	Subtract
	Multiply
	Divide
)

func (a Action) String() string {
	switch a {
	case Subtract:
		return "subtract"
	case Multiply:
		return "multiply"
	case Divide:
		return "divide"
	default:
		return "add"
	}
}

type Axis uint8

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) String() string {
	return [...]string{"x", "y", "z"}[a%3]
}

// Modifier lets a parameter scale one axis of the global or local size.
type Modifier struct {
	Param  string
	Target Target
	Action Action
	Axis   Axis
}

func (m Modifier) apply(d Dim, v int64) (Dim, error) {
	p := d.axis(m.Axis)
	switch m.Action {
	case Add:
		*p += int(v)
	case Subtract:
		*p -= int(v)
	case Multiply:
		*p *= int(v)
	case Divide:
		if v == 0 {
			return d, fmt.Errorf("%w: %s divides %s %s by zero", ErrIllegalGeometry, m.Param, m.Target, m.Axis)
		}
		*p /= int(v)
	}
	return d, nil
}

// Spec is a kernel as submitted for tuning.
type Spec struct {
	ID ID
	// Name is the entry point the backend looks up after compiling Source.
	Name   string
	Source string
	Global Dim
	Local  Dim
	// Arguments lists the argument IDs bound to the kernel, in order.
	Arguments []ArgumentID
	Modifiers []Modifier
}

// Geometry applies the modifiers for cfg, in declaration order, to the base
// global and local sizes.
func (s Spec) Geometry(cfg space.Configuration) (global, local Dim, err error) {
	global, local = s.Global.Normalize(), s.Local.Normalize()
	for _, m := range s.Modifiers {
		v, ok := cfg.Get(m.Param)
		if !ok {
			return global, local, fmt.Errorf("%w: modifier parameter %q not in configuration", ErrIllegalGeometry, m.Param)
		}
		if m.Target == Local {
			local, err = m.apply(local, v.Int())
		} else {
			global, err = m.apply(global, v.Int())
		}
		if err != nil {
			return global, local, err
		}
	}
	if global.X <= 0 || global.Y <= 0 || global.Z <= 0 || local.X <= 0 || local.Y <= 0 || local.Z <= 0 {
		return global, local, fmt.Errorf("%w: global %s, local %s", ErrIllegalGeometry, global, local)
	}
	return global, local, nil
}

// SourceWithDefines prefixes the source with one #define per parameter, in
// configuration order.
func (s Spec) SourceWithDefines(cfg space.Configuration) string {
	var sb strings.Builder
	for _, p := range cfg.Pairs() {
		fmt.Fprintf(&sb, "#define %s %s\n", p.Name, p.Value)
	}
	sb.WriteString(s.Source)
	return sb.String()
}
