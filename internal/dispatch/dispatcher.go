// Package dispatch runs one configuration of a kernel or kernel composition
// on a backend and turns every per-attempt failure into a recorded result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/kernel"
	"github.com/samcharles93/ktune/internal/result"
	"github.com/samcharles93/ktune/internal/space"
)

// Unit is what a session tunes: a single kernel, or a composition of kernels
// driven by a Manipulator.
type Unit struct {
	// ID identifies the unit for reference caching.
	ID        kernel.ID
	Name      string
	Kernels   []kernel.Spec
	Arguments []kernel.Argument
	// Manipulator is nil to launch every kernel once, in order.
	Manipulator Manipulator
}

// Validate checks that kernels exist and only reference declared arguments.
func (u Unit) Validate() error {
	if len(u.Kernels) == 0 {
		return fmt.Errorf("unit %q has no kernels", u.Name)
	}
	args := make(map[kernel.ArgumentID]bool, len(u.Arguments))
	for _, a := range u.Arguments {
		if args[a.ID] {
			return fmt.Errorf("unit %q: duplicate argument %d", u.Name, a.ID)
		}
		if err := a.Validate(); err != nil {
			return fmt.Errorf("unit %q: %w", u.Name, err)
		}
		args[a.ID] = true
	}
	ids := make(map[kernel.ID]bool, len(u.Kernels))
	for _, k := range u.Kernels {
		if ids[k.ID] {
			return fmt.Errorf("unit %q: duplicate kernel id %d", u.Name, k.ID)
		}
		ids[k.ID] = true
		for _, a := range k.Arguments {
			if !args[a] {
				return fmt.Errorf("unit %q: kernel %s references unknown argument %d", u.Name, k.Name, a)
			}
		}
	}
	return nil
}

// Kernel returns the kernel with the given ID.
func (u Unit) Kernel(id kernel.ID) (kernel.Spec, bool) {
	for _, k := range u.Kernels {
		if k.ID == id {
			return k, true
		}
	}
	return kernel.Spec{}, false
}

// Outcome is the result of one attempt and, when it succeeded, a host copy
// of every writable argument.
type Outcome struct {
	Result  result.Result
	Outputs map[kernel.ArgumentID]kernel.Argument
}

type Option func(*Dispatcher)

// WithProgramCache retains compiled programs until ClearCache.
func WithProgramCache() Option {
	return func(d *Dispatcher) { d.cache = NewProgramCache() }
}

// WithProfiling attaches backend counters to results.
func WithProfiling() Option {
	return func(d *Dispatcher) { d.profiling = true }
}

// Dispatcher owns one backend device. Run must not be called concurrently.
type Dispatcher struct {
	b         backend.Backend
	cache     *ProgramCache
	profiling bool
}

func New(b backend.Backend, opts ...Option) *Dispatcher {
	d := &Dispatcher{b: b}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Backend() backend.Backend { return d.b }

// Cache returns the program cache, or nil when caching is off.
func (d *Dispatcher) Cache() *ProgramCache { return d.cache }

// ClearCache releases every retained program.
func (d *Dispatcher) ClearCache() error {
	if d.cache == nil {
		return nil
	}
	return d.cache.Clear()
}

// Run attempts cfg. Compilation and launch failures are recorded on the
// result and reported with a nil error. Only fatal backend errors are
// returned, together with the recorded result.
func (d *Dispatcher) Run(ctx context.Context, cfg space.Configuration, u Unit) (Outcome, error) {
	res := result.Result{
		Kernel:        u.Name,
		KernelID:      u.ID,
		Configuration: cfg,
		Status:        result.StatusOK,
		Device:        d.b.Device().Index,
	}

	s := newSession(d, cfg, u)
	out, err := d.safeRun(ctx, s, &res)
	if relErr := s.release(); relErr != nil && err == nil {
		err = relErr
		out = nil
	}
	if err != nil {
		res.Fail(statusOf(err), err)
		if backend.IsFatal(err) {
			return Outcome{Result: res}, err
		}
		return Outcome{Result: res}, nil
	}
	return Outcome{Result: res, Outputs: out}, nil
}

// safeRun turns a panic raised by the backend or a manipulator into a
// launch failure.
func (d *Dispatcher) safeRun(ctx context.Context, s *Session, res *result.Result) (out map[kernel.ArgumentID]kernel.Argument, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, backend.Recovered(rec)
		}
	}()
	return d.run(ctx, s, res)
}

func (d *Dispatcher) run(ctx context.Context, s *Session, res *result.Result) (map[kernel.ArgumentID]kernel.Argument, error) {
	for _, k := range s.unit.Kernels {
		if _, err := s.program(ctx, k); err != nil {
			return nil, err
		}
	}
	res.Compilation = s.compilation
	for _, a := range s.unit.Arguments {
		if err := s.CreateBuffer(ctx, a); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	if err := s.execute(ctx); err != nil {
		return nil, err
	}
	// Implicit barrier: nothing issued by the attempt may stay pending.
	if err := s.Synchronize(ctx); err != nil {
		return nil, err
	}
	wall := time.Since(start)

	res.Duration = max(s.kernelTime, time.Nanosecond)
	if s.unit.Manipulator != nil {
		res.Overhead = max(wall-s.kernelTime, 0)
	}
	res.Profiling = s.profiling

	outputs := make(map[kernel.ArgumentID]kernel.Argument)
	for _, a := range s.unit.Arguments {
		if !a.Access.Writable() {
			continue
		}
		out, err := s.read(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		outputs[a.ID] = out
	}
	return outputs, nil
}

func statusOf(err error) result.Status {
	switch {
	case backend.IsFatal(err):
		return result.StatusFatal
	case errors.Is(err, backend.ErrCompilation):
		return result.StatusCompilationFailed
	default:
		return result.StatusLaunchFailed
	}
}
