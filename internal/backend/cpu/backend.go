// Package cpu runs kernels as Go host functions on the local machine.
//
// A "compiled" program is the host kernel registered under the entry point
// name together with the #define values parsed from the configured source.
// Launches split the work-groups across a worker pool and are timed with the
// monotonic clock.
package cpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/kernel"
)

// DefaultMaxWorkGroupSize bounds the work items of one group.
const DefaultMaxWorkGroupSize = 1024

type Option func(*Backend)

// WithWorkers sets the size of the work-group pool.
func WithWorkers(n int) Option {
	return func(b *Backend) { b.workers = n }
}

// WithMaxWorkGroupSize overrides the work-group size limit.
func WithMaxWorkGroupSize(n int) Option {
	return func(b *Backend) { b.maxGroup = n }
}

type Backend struct {
	backend.HostMemory

	workers  int
	maxGroup int
	device   backend.DeviceInfo
	pool     *backend.GroupPool

	mu      sync.RWMutex
	kernels backend.HostKernels

	programs atomic.Int64
}

func New(opts ...Option) *Backend {
	b := &Backend{
		maxGroup: DefaultMaxWorkGroupSize,
		kernels:  make(backend.HostKernels),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.pool = backend.NewGroupPool(b.workers)
	b.device = hostDevice()
	b.device.ComputeUnits = b.pool.Size()
	b.device.MaxWorkGroupSize = b.maxGroup
	return b
}

func (b *Backend) Name() string {
	return backend.CPU
}

func (b *Backend) Device() backend.DeviceInfo {
	return b.device
}

// Register makes fn available under name. Registering twice replaces the
// previous kernel.
func (b *Backend) Register(name string, fn backend.HostKernel) {
	b.mu.Lock()
	b.kernels[name] = fn
	b.mu.Unlock()
}

// RegisterAll registers every kernel of ks.
func (b *Backend) RegisterAll(ks backend.HostKernels) {
	for name, fn := range ks {
		b.Register(name, fn)
	}
}

// LivePrograms is the number of compiled programs not yet released.
func (b *Backend) LivePrograms() int { return int(b.programs.Load()) }

type program struct {
	name     string
	fn       backend.HostKernel
	defines  kernel.Defines
	data     backend.CompilationData
	released atomic.Bool
	onFree   func()
}

func (p *program) Name() string                             { return p.name }
func (p *program) CompilationData() backend.CompilationData { return p.data }

func (p *program) Release() error {
	if p.released.CompareAndSwap(false, true) && p.onFree != nil {
		p.onFree()
	}
	return nil
}

func (b *Backend) Compile(ctx context.Context, name, source string) (backend.Program, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	fn, ok := b.kernels[name]
	b.mu.RUnlock()
	if !ok {
		return nil, backend.CompilationError("no host kernel registered for %q", name)
	}
	b.programs.Add(1)
	return &program{
		name:    name,
		fn:      fn,
		defines: kernel.ParseDefines(source),
		data:    backend.CompilationData{MaxWorkGroupSize: b.maxGroup},
		onFree:  func() { b.programs.Add(-1) },
	}, nil
}

func (b *Backend) Launch(ctx context.Context, p backend.Program, l backend.Launch) (time.Duration, error) {
	prog, ok := p.(*program)
	if !ok || prog.released.Load() {
		return 0, backend.LaunchError("program %q is not a live cpu program", p.Name())
	}
	if l.Local.Size() > b.maxGroup {
		return 0, backend.ErrResourceLimit
	}
	if err := backend.SyncQueue(ctx, l.Queue); err != nil {
		return 0, err
	}
	args, err := backend.HostBuffers(l.Arguments)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	err = b.pool.Run(prog.fn, l.Global, l.Local, prog.defines, args)
	elapsed := time.Since(start)
	if err != nil {
		var be *backend.Error
		if errors.As(err, &be) {
			return 0, err
		}
		return 0, backend.LaunchError("%s: %w", prog.name, err)
	}
	return max(elapsed, time.Nanosecond), nil
}

// Profiling is not collected on the host.
func (b *Backend) Profiling(backend.Program) (backend.ProfilingData, bool) {
	return backend.ProfilingData{}, false
}

func (b *Backend) Close() error {
	b.pool.Close()
	if n := b.LiveBuffers(); n != 0 {
		return fmt.Errorf("cpu backend closed with %d live buffers", n)
	}
	return nil
}
