// Package validate computes golden outputs once per kernel identity and
// checks tuned outputs against them.
package validate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/samcharles93/ktune/internal/dispatch"
	"github.com/samcharles93/ktune/internal/kernel"
	"github.com/samcharles93/ktune/internal/space"
)

// ErrReference means no golden output could be computed.
var ErrReference = errors.New("reference computation failed")

// Outputs maps argument IDs to host data.
type Outputs = map[kernel.ArgumentID]kernel.Argument

// ReferenceFunc produces the golden outputs of a kernel.
type ReferenceFunc func(ctx context.Context) (Outputs, error)

// KernelReference runs u once through d at cfg and uses its outputs as the
// golden data.
func KernelReference(d *dispatch.Dispatcher, u dispatch.Unit, cfg space.Configuration) ReferenceFunc {
	return func(ctx context.Context) (Outputs, error) {
		out, err := d.Run(ctx, cfg, u)
		if err != nil {
			return nil, err
		}
		if !out.Result.Ok() {
			return nil, fmt.Errorf("reference kernel %s %v: %s", u.Name, cfg, out.Result.Error)
		}
		return out.Outputs, nil
	}
}

// Verdict is the outcome of one validation.
type Verdict struct {
	Correct bool
	Reason  string
}

type entry struct {
	fn        ReferenceFunc
	arguments []kernel.ArgumentID

	once    sync.Once
	outputs Outputs
	err     error
}

type Option func(*Validator)

// WithComparator replaces the default comparator.
func WithComparator(c Comparator) Option {
	return func(v *Validator) { v.compare = c }
}

// WithArgumentComparator sets the comparator of one argument.
func WithArgumentComparator(id kernel.ArgumentID, c Comparator) Option {
	return func(v *Validator) { v.perArg[id] = c }
}

// Validator is safe for concurrent use.
type Validator struct {
	compare Comparator
	perArg  map[kernel.ArgumentID]Comparator

	mu   sync.Mutex
	refs map[kernel.ID]*entry
}

func New(opts ...Option) *Validator {
	v := &Validator{
		compare: SideBySide(DefaultTolerance),
		perArg:  make(map[kernel.ArgumentID]Comparator),
		refs:    make(map[kernel.ID]*entry),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// SetReference registers the golden source of a kernel. Only the listed
// arguments are validated; none means every argument the reference returns.
func (v *Validator) SetReference(id kernel.ID, fn ReferenceFunc, arguments ...kernel.ArgumentID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refs[id] = &entry{fn: fn, arguments: slices.Clone(arguments)}
}

// HasReference reports whether id is validated.
func (v *Validator) HasReference(id kernel.ID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.refs[id]
	return ok
}

func (v *Validator) entry(id kernel.ID) (*entry, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.refs[id]
	if !ok {
		return nil, fmt.Errorf("%w: no reference for kernel %d", ErrReference, id)
	}
	return e, nil
}

// Reference returns the golden outputs of id, computing them on first use.
// A failed computation is remembered and reported on every later call.
func (v *Validator) Reference(ctx context.Context, id kernel.ID) (Outputs, error) {
	e, err := v.entry(id)
	if err != nil {
		return nil, err
	}
	e.once.Do(func() {
		out, err := e.fn(ctx)
		if err != nil {
			e.err = fmt.Errorf("%w: %w", ErrReference, err)
			return
		}
		for _, a := range e.arguments {
			if _, ok := out[a]; !ok {
				e.err = fmt.Errorf("%w: reference produced no argument %d", ErrReference, a)
				return
			}
		}
		e.outputs = out
	})
	return e.outputs, e.err
}

// Validate compares tuned outputs of id with its reference. The error is
// non-nil only when the reference is unavailable.
func (v *Validator) Validate(ctx context.Context, id kernel.ID, outputs Outputs) (Verdict, error) {
	golden, err := v.Reference(ctx, id)
	if err != nil {
		return Verdict{}, err
	}
	e, _ := v.entry(id)
	ids := e.arguments
	if len(ids) == 0 {
		ids = make([]kernel.ArgumentID, 0, len(golden))
		for a := range golden {
			ids = append(ids, a)
		}
		slices.Sort(ids)
	}
	for _, a := range ids {
		got, ok := outputs[a]
		if !ok {
			return Verdict{Reason: fmt.Sprintf("argument %d was not produced", a)}, nil
		}
		cmp := v.compare
		if c, ok := v.perArg[a]; ok {
			cmp = c
		}
		if err := cmp(golden[a], got); err != nil {
			return Verdict{Reason: err.Error()}, nil
		}
	}
	return Verdict{Correct: true}, nil
}

// Clear drops every cached golden output. References are recomputed on
// next use.
func (v *Validator) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, e := range v.refs {
		v.refs[id] = &entry{fn: e.fn, arguments: e.arguments}
	}
}
