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

// Manipulator drives the kernels of a unit for one configuration. It may
// launch any kernel any number of times and move buffers between launches.
type Manipulator interface {
	Launch(ctx context.Context, s *Session) error
}

// ManipulatorFunc adapts a function to Manipulator.
type ManipulatorFunc func(ctx context.Context, s *Session) error

func (f ManipulatorFunc) Launch(ctx context.Context, s *Session) error { return f(ctx, s) }

// Session is the view a manipulator has of one attempt. Every buffer, queue
// and program it creates is released when the attempt ends. It is not safe
// for concurrent use.
type Session struct {
	d    *Dispatcher
	cfg  space.Configuration
	unit Unit

	programs map[kernel.ID]backend.Program
	owned    []backend.Program
	buffers  map[kernel.ArgumentID]backend.Buffer
	queues   []backend.Queue
	bindings map[kernel.ID][]kernel.ArgumentID

	kernelTime  time.Duration
	compilation []result.KernelCompilation
	profiling   []result.KernelProfiling
}

func newSession(d *Dispatcher, cfg space.Configuration, u Unit) *Session {
	return &Session{
		d:        d,
		cfg:      cfg,
		unit:     u,
		programs: make(map[kernel.ID]backend.Program),
		buffers:  make(map[kernel.ArgumentID]backend.Buffer),
		bindings: make(map[kernel.ID][]kernel.ArgumentID),
	}
}

// Configuration is the configuration under test.
func (s *Session) Configuration() space.Configuration { return s.cfg }

// Param returns the value of a tuning parameter.
func (s *Session) Param(name string) (space.Value, bool) { return s.cfg.Get(name) }

// ParamInt returns an integer parameter, or def when absent.
func (s *Session) ParamInt(name string, def int64) int64 { return s.cfg.Int(name, def) }

// KernelTime is the kernel execution time accumulated so far.
func (s *Session) KernelTime() time.Duration { return s.kernelTime }

func (s *Session) spec(id kernel.ID) (kernel.Spec, error) {
	k, ok := s.unit.Kernel(id)
	if !ok {
		return kernel.Spec{}, backend.LaunchError("unknown kernel id %d", id)
	}
	return k, nil
}

func (s *Session) program(ctx context.Context, k kernel.Spec) (backend.Program, error) {
	if p, ok := s.programs[k.ID]; ok {
		return p, nil
	}
	source := k.SourceWithDefines(s.cfg)
	cache := s.d.cache
	if cache != nil {
		if p, ok := cache.get(k.ID, source); ok {
			s.bind(k, p)
			return p, nil
		}
	}
	p, err := s.d.b.Compile(ctx, k.Name, source)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.put(k.ID, source, p)
	} else {
		s.owned = append(s.owned, p)
	}
	s.bind(k, p)
	return p, nil
}

func (s *Session) bind(k kernel.Spec, p backend.Program) {
	s.programs[k.ID] = p
	s.compilation = append(s.compilation, result.KernelCompilation{Kernel: k.Name, CompilationData: p.CompilationData()})
}

func (s *Session) execute(ctx context.Context) error {
	if s.unit.Manipulator != nil {
		return s.unit.Manipulator.Launch(ctx, s)
	}
	for _, k := range s.unit.Kernels {
		if err := s.RunKernel(ctx, k.ID); err != nil {
			return err
		}
	}
	return nil
}

// Geometry returns the global and local sizes of a kernel under the
// session's configuration.
func (s *Session) Geometry(id kernel.ID) (global, local kernel.Dim, err error) {
	k, err := s.spec(id)
	if err != nil {
		return kernel.Dim{}, kernel.Dim{}, err
	}
	global, local, err = k.Geometry(s.cfg)
	if err != nil {
		return global, local, backend.LaunchError("%s: %w", k.Name, err)
	}
	return global, local, nil
}

// RunKernel launches a kernel with its configured geometry and blocks until
// it completes.
func (s *Session) RunKernel(ctx context.Context, id kernel.ID) error {
	global, local, err := s.Geometry(id)
	if err != nil {
		return err
	}
	return s.RunKernelWithGeometry(ctx, id, global, local)
}

// RunKernelWithGeometry launches a kernel with explicit sizes. Pending
// asynchronous transfers are joined first.
func (s *Session) RunKernelWithGeometry(ctx context.Context, id kernel.ID, global, local kernel.Dim) error {
	k, err := s.spec(id)
	if err != nil {
		return err
	}
	p, err := s.program(ctx, k)
	if err != nil {
		return err
	}
	args := k.Arguments
	if b, ok := s.bindings[id]; ok {
		args = b
	}
	bufs := make([]backend.Buffer, len(args))
	for i, a := range args {
		buf, ok := s.buffers[a]
		if !ok {
			return backend.LaunchError("%s: argument %d has no buffer", k.Name, a)
		}
		bufs[i] = buf
	}
	if err := s.Synchronize(ctx); err != nil {
		return err
	}

	d, err := s.d.b.Launch(ctx, p, backend.Launch{Global: global, Local: local, Arguments: bufs})
	if err != nil {
		return err
	}
	s.kernelTime += d
	if s.d.profiling {
		if data, ok := s.d.b.Profiling(p); ok {
			s.profiling = append(s.profiling, result.KernelProfiling{Kernel: k.Name, ProfilingData: data})
		}
	}
	return nil
}

// ChangeKernelArguments rebinds a kernel to other arguments for the rest of
// the attempt.
func (s *Session) ChangeKernelArguments(id kernel.ID, args ...kernel.ArgumentID) error {
	k, err := s.spec(id)
	if err != nil {
		return err
	}
	if len(args) != len(k.Arguments) {
		return backend.LaunchError("%s: expected %d arguments, got %d", k.Name, len(k.Arguments), len(args))
	}
	s.bindings[id] = append([]kernel.ArgumentID(nil), args...)
	return nil
}

// NewQueue creates a queue owned by the attempt.
func (s *Session) NewQueue() (backend.Queue, error) {
	q, err := s.d.b.NewQueue()
	if err != nil {
		return nil, err
	}
	s.queues = append(s.queues, q)
	return q, nil
}

func (s *Session) replace(id kernel.ArgumentID, buf backend.Buffer) error {
	old, ok := s.buffers[id]
	s.buffers[id] = buf
	if ok {
		return old.Release()
	}
	return nil
}

// CreateBuffer uploads arg, replacing any buffer already held for its ID.
func (s *Session) CreateBuffer(ctx context.Context, arg kernel.Argument) error {
	buf, err := s.d.b.CreateBuffer(ctx, arg)
	if err != nil {
		return err
	}
	return s.replace(arg.ID, buf)
}

// CreateBufferAsync is CreateBuffer with the upload issued on q.
func (s *Session) CreateBufferAsync(ctx context.Context, q backend.Queue, arg kernel.Argument) error {
	buf, err := s.d.b.CreateBufferAsync(ctx, q, arg)
	if err != nil {
		return err
	}
	return s.replace(arg.ID, buf)
}

// UpdateArgument overwrites the buffer of arg.ID with host data.
func (s *Session) UpdateArgument(ctx context.Context, arg kernel.Argument) error {
	buf, ok := s.buffers[arg.ID]
	if !ok {
		return backend.LaunchError("argument %d has no buffer", arg.ID)
	}
	if err := s.Synchronize(ctx); err != nil {
		return err
	}
	return s.d.b.WriteBuffer(ctx, buf, arg)
}

func (s *Session) pair(dst, src kernel.ArgumentID) (backend.Buffer, backend.Buffer, error) {
	d, ok := s.buffers[dst]
	if !ok {
		return nil, nil, backend.LaunchError("argument %d has no buffer", dst)
	}
	sb, ok := s.buffers[src]
	if !ok {
		return nil, nil, backend.LaunchError("argument %d has no buffer", src)
	}
	return d, sb, nil
}

// CopyBuffer copies the contents of src into dst on the device.
func (s *Session) CopyBuffer(ctx context.Context, dst, src kernel.ArgumentID) error {
	d, sb, err := s.pair(dst, src)
	if err != nil {
		return err
	}
	if err := s.Synchronize(ctx); err != nil {
		return err
	}
	return s.d.b.CopyBuffer(ctx, d, sb)
}

// CopyBufferAsync issues the copy on q.
func (s *Session) CopyBufferAsync(ctx context.Context, q backend.Queue, dst, src kernel.ArgumentID) error {
	d, sb, err := s.pair(dst, src)
	if err != nil {
		return err
	}
	return s.d.b.CopyBufferAsync(ctx, q, d, sb)
}

// ReadBuffer joins pending work and returns a host copy of an argument.
func (s *Session) ReadBuffer(ctx context.Context, id kernel.ArgumentID) (kernel.Argument, error) {
	if err := s.Synchronize(ctx); err != nil {
		return kernel.Argument{}, err
	}
	return s.read(ctx, id)
}

func (s *Session) read(ctx context.Context, id kernel.ArgumentID) (kernel.Argument, error) {
	buf, ok := s.buffers[id]
	if !ok {
		return kernel.Argument{}, backend.LaunchError("argument %d has no buffer", id)
	}
	return s.d.b.ReadBuffer(ctx, buf)
}

// Synchronize waits for every queue created by the attempt.
func (s *Session) Synchronize(ctx context.Context) error {
	var errs []error
	for _, q := range s.queues {
		if err := q.Synchronize(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 1 {
		return errs[0]
	}
	return errors.Join(errs...)
}

func (s *Session) release() error {
	var errs []error
	// Queues go first so no pending operation touches a released buffer.
	for _, q := range s.queues {
		if err := q.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	for id, b := range s.buffers {
		if err := b.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release argument %d: %w", id, err))
		}
	}
	for _, p := range s.owned {
		if err := p.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	s.queues, s.owned = nil, nil
	clear(s.buffers)
	clear(s.programs)
	return errors.Join(errs...)
}
