// Package plan loads tuning plans written in HCL. A plan names a builtin
// workload, declares the parameters and constraints of its search space and
// configures search, stop conditions, validation and the backend.
package plan

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/samcharles93/ktune/internal/kernel"
	"github.com/samcharles93/ktune/internal/result"
	"github.com/samcharles93/ktune/internal/space"
	"github.com/samcharles93/ktune/internal/stop"
)

type file struct {
	Kernel      kernelBlock       `hcl:"kernel,block"`
	Parameters  []parameterBlock  `hcl:"parameter,block"`
	Constraints []constraintBlock `hcl:"constraint,block"`
	Search      *searchBlock      `hcl:"search,block"`
	Stop        *stopBlock        `hcl:"stop,block"`
	Validation  *validationBlock  `hcl:"validation,block"`
	Backend     *backendBlock     `hcl:"backend,block"`
}

type kernelBlock struct {
	Name      string          `hcl:"name,label"`
	Workload  string          `hcl:"workload"`
	Size      *int            `hcl:"size,optional"`
	Seed      *int64          `hcl:"seed,optional"`
	Global    []int           `hcl:"global,optional"`
	Local     []int           `hcl:"local,optional"`
	Modifiers []modifierBlock `hcl:"modifier,block"`
}

type modifierBlock struct {
	Parameter string `hcl:"parameter"`
	Target    string `hcl:"target"`
	Action    string `hcl:"action"`
	Dimension string `hcl:"dimension,optional"`
}

type parameterBlock struct {
	Name   string         `hcl:"name,label"`
	Values hcl.Expression `hcl:"values"`
}

type constraintBlock struct {
	Name      string         `hcl:"name,label"`
	Condition hcl.Expression `hcl:"condition"`
}

type searchBlock struct {
	Strategy string `hcl:"strategy,optional"`
	Seed     *int64 `hcl:"seed,optional"`
	Metric   string `hcl:"metric,optional"`
}

type stopBlock struct {
	Count    *int     `hcl:"count,optional"`
	Duration *string  `hcl:"duration,optional"`
	Fraction *float64 `hcl:"fraction,optional"`
}

type validationBlock struct {
	Method           string   `hcl:"method,optional"`
	Tolerance        *float64 `hcl:"tolerance,optional"`
	Arguments        []string `hcl:"arguments,optional"`
	Range            *int     `hcl:"range,optional"`
	ExcludeIncorrect *bool    `hcl:"exclude_incorrect,optional"`
}

type backendBlock struct {
	Name         string `hcl:"name,optional"`
	Devices      *int   `hcl:"devices,optional"`
	Workers      *int   `hcl:"workers,optional"`
	Profiling    *bool  `hcl:"profiling,optional"`
	ProgramCache *bool  `hcl:"program_cache,optional"`
}

// Plan is a decoded tuning plan.
type Plan struct {
	Name     string
	Workload string
	// Size and Seed are passed to the workload; zero Size picks its default.
	Size int
	Seed uint64
	// Global and Local replace the workload geometry when set.
	Global *kernel.Dim
	Local  *kernel.Dim
	// Modifiers replace the workload modifiers when non-empty.
	Modifiers []kernel.Modifier

	// Space is nil when the plan declares no parameters.
	Space *space.Space

	Strategy   string
	SearchSeed uint64
	Metric     result.Metric
	// Stop is nil when the plan has no stop block.
	Stop stop.Condition
	// Validation is nil when outputs are not validated.
	Validation *Validation
	Backend    Backend

	failures *evalErrors
}

// ConstraintErr reports the first evaluation failure of each constraint seen
// while walking the space. The affected configurations were pruned.
func (p *Plan) ConstraintErr() error {
	if p.failures == nil {
		return nil
	}
	return p.failures.err()
}

type Validation struct {
	Method           string
	Tolerance        float64
	Arguments        []string
	Range            int
	ExcludeIncorrect bool
}

type Backend struct {
	Name         string
	Devices      int
	Workers      int
	Profiling    bool
	ProgramCache bool
}

// Load reads and parses a plan file.
func Load(path string) (*Plan, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(src, path)
}

// Parse decodes a plan from HCL source.
func Parse(src []byte, filename string) (*Plan, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, diags
	}
	var doc file
	if diags := gohcl.DecodeBody(f.Body, nil, &doc); diags.HasErrors() {
		return nil, diags
	}

	p := &Plan{
		Name:       doc.Kernel.Name,
		Workload:   doc.Kernel.Workload,
		Strategy:   "exhaustive",
		SearchSeed: 1,
		Backend:    Backend{Devices: 1},
	}
	if err := p.decodeKernel(doc.Kernel); err != nil {
		return nil, err
	}
	if err := p.decodeSpace(doc.Parameters, doc.Constraints); err != nil {
		return nil, err
	}
	if doc.Search != nil {
		if doc.Search.Strategy != "" {
			p.Strategy = doc.Search.Strategy
		}
		if doc.Search.Seed != nil {
			p.SearchSeed = uint64(*doc.Search.Seed)
		}
		if doc.Search.Metric != "" {
			m, err := result.ParseMetric(doc.Search.Metric)
			if err != nil {
				return nil, fmt.Errorf("plan: %w", err)
			}
			p.Metric = m
		}
	}
	if doc.Stop != nil {
		cond, err := decodeStop(*doc.Stop)
		if err != nil {
			return nil, err
		}
		p.Stop = cond
	}
	if v := doc.Validation; v != nil {
		p.Validation = &Validation{
			Method:           v.Method,
			Tolerance:        1e-4,
			Arguments:        v.Arguments,
			ExcludeIncorrect: true,
		}
		if v.Tolerance != nil {
			p.Validation.Tolerance = *v.Tolerance
		}
		if v.Range != nil {
			p.Validation.Range = *v.Range
		}
		if v.ExcludeIncorrect != nil {
			p.Validation.ExcludeIncorrect = *v.ExcludeIncorrect
		}
	}
	if b := doc.Backend; b != nil {
		p.Backend.Name = b.Name
		if b.Devices != nil {
			if *b.Devices < 1 {
				return nil, fmt.Errorf("plan: backend devices must be at least 1, got %d", *b.Devices)
			}
			p.Backend.Devices = *b.Devices
		}
		if b.Workers != nil {
			p.Backend.Workers = *b.Workers
		}
		p.Backend.Profiling = b.Profiling != nil && *b.Profiling
		p.Backend.ProgramCache = b.ProgramCache != nil && *b.ProgramCache
	}
	return p, nil
}

func (p *Plan) decodeKernel(k kernelBlock) error {
	if k.Size != nil {
		if *k.Size < 0 {
			return fmt.Errorf("plan: kernel %q: negative size", k.Name)
		}
		p.Size = *k.Size
	}
	if k.Seed != nil {
		p.Seed = uint64(*k.Seed)
	}
	var err error
	if p.Global, err = dim("global", k.Global); err != nil {
		return err
	}
	if p.Local, err = dim("local", k.Local); err != nil {
		return err
	}
	for _, m := range k.Modifiers {
		mod, err := decodeModifier(m)
		if err != nil {
			return err
		}
		p.Modifiers = append(p.Modifiers, mod)
	}
	return nil
}

func dim(name string, v []int) (*kernel.Dim, error) {
	if len(v) == 0 {
		return nil, nil
	}
	if len(v) > 3 {
		return nil, fmt.Errorf("plan: %s has %d dimensions (at most 3)", name, len(v))
	}
	d := kernel.Dim{X: 1, Y: 1, Z: 1}
	for i, n := range v {
		if n <= 0 {
			return nil, fmt.Errorf("plan: %s dimension %d is %d", name, i, n)
		}
		switch i {
		case 0:
			d.X = n
		case 1:
			d.Y = n
		case 2:
			d.Z = n
		}
	}
	return &d, nil
}

func decodeModifier(m modifierBlock) (kernel.Modifier, error) {
	mod := kernel.Modifier{Param: m.Parameter}
	switch strings.ToLower(m.Target) {
	case "global":
		mod.Target = kernel.Global
	case "local":
		mod.Target = kernel.Local
	default:
		return mod, fmt.Errorf("plan: modifier %s: unknown target %q (expected global or local)", m.Parameter, m.Target)
	}
	switch strings.ToLower(m.Action) {
	case "add":
		mod.Action = kernel.Add
	case "subtract":
		mod.Action = kernel.Subtract
	case "multiply":
		mod.Action = kernel.Multiply
	case "divide":
		mod.Action = kernel.Divide
	default:
		return mod, fmt.Errorf("plan: modifier %s: unknown action %q", m.Parameter, m.Action)
	}
	switch strings.ToLower(m.Dimension) {
	case "", "x":
		mod.Axis = kernel.AxisX
	case "y":
		mod.Axis = kernel.AxisY
	case "z":
		mod.Axis = kernel.AxisZ
	default:
		return mod, fmt.Errorf("plan: modifier %s: unknown dimension %q", m.Parameter, m.Dimension)
	}
	return mod, nil
}

func decodeStop(b stopBlock) (stop.Condition, error) {
	var conds []stop.Condition
	if b.Count != nil {
		if *b.Count < 1 {
			return nil, fmt.Errorf("plan: stop count must be positive, got %d", *b.Count)
		}
		conds = append(conds, stop.Count(*b.Count))
	}
	if b.Duration != nil {
		d, err := time.ParseDuration(*b.Duration)
		if err != nil {
			return nil, fmt.Errorf("plan: stop duration: %w", err)
		}
		conds = append(conds, stop.Duration(d))
	}
	if b.Fraction != nil {
		c, err := stop.Fraction(*b.Fraction)
		if err != nil {
			return nil, fmt.Errorf("plan: %w", err)
		}
		conds = append(conds, c)
	}
	if len(conds) == 0 {
		return nil, nil
	}
	return stop.Any(conds...), nil
}

func (p *Plan) decodeSpace(params []parameterBlock, constraints []constraintBlock) error {
	if len(params) == 0 {
		if len(constraints) > 0 {
			return fmt.Errorf("plan: constraints declared without parameters")
		}
		return nil
	}
	sp := space.New()
	p.failures = &evalErrors{}
	for _, pb := range params {
		values, err := decodeValues(pb)
		if err != nil {
			return err
		}
		if err := sp.AddParameter(pb.Name, values); err != nil {
			return fmt.Errorf("plan: %w", err)
		}
	}
	for _, cb := range constraints {
		c, err := decodeConstraint(cb, sp.Parameters(), p.failures)
		if err != nil {
			return err
		}
		if err := sp.AddConstraint(c); err != nil {
			return fmt.Errorf("plan: %w", err)
		}
	}
	p.Space = sp
	return nil
}

// decodeValues accepts a list of numbers. Integral numbers become integer
// values, anything else a float.
func decodeValues(pb parameterBlock) ([]space.Value, error) {
	v, diags := pb.Values.Value(nil)
	if diags.HasErrors() {
		return nil, diags
	}
	if !v.IsKnown() || v.IsNull() || !(v.Type().IsTupleType() || v.Type().IsListType()) {
		return nil, fmt.Errorf("plan: parameter %s: values must be a list of numbers", pb.Name)
	}
	var out []space.Value
	for it := v.ElementIterator(); it.Next(); {
		_, ev := it.Element()
		if ev.IsNull() || ev.Type() != cty.Number {
			return nil, fmt.Errorf("plan: parameter %s: value %s is not a number", pb.Name, ev.GoString())
		}
		out = append(out, fromCty(ev))
	}
	return out, nil
}

func fromCty(v cty.Value) space.Value {
	bf := v.AsBigFloat()
	if bf.IsInt() {
		if i, acc := bf.Int64(); acc == big.Exact {
			return space.Int(i)
		}
	}
	f, _ := bf.Float64()
	return space.Float(f)
}

func toCty(v space.Value) cty.Value {
	if v.Kind() == space.KindFloat {
		return cty.NumberFloatVal(v.Float())
	}
	return cty.NumberIntVal(v.Int())
}
