// Package sim is a deterministic simulated device. It enforces work-group
// and local memory limits, derives launch times from a cost model instead of
// a clock and can be told to fail compilation or lose the device. Host
// kernels registered with it are executed so outputs can be validated.
package sim

import (
	"bufio"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/kernel"
)

// LocalMemoryDefine is the #define a kernel uses to declare its local memory
// footprint in bytes.
const LocalMemoryDefine = "LOCAL_MEMORY_BYTES"

// CostFunc returns the simulated duration of one launch.
type CostFunc func(global, local kernel.Dim, defines kernel.Defines) time.Duration

type Config struct {
	Device backend.DeviceInfo
	// FatalAfter loses the device on that launch (1-based). Zero disables it.
	FatalAfter int
	Cost       CostFunc
	Kernels    backend.HostKernels
	// Profiling enables synthetic counters.
	Profiling bool
}

// DefaultDevice is a small GPU-like device.
func DefaultDevice() backend.DeviceInfo {
	return backend.DeviceInfo{
		Name:             "simulated device",
		Vendor:           "ktune",
		ComputeUnits:     8,
		MaxWorkGroupSize: 256,
		LocalMemory:      48 << 10,
		GlobalMemory:     1 << 30,
	}
}

type Backend struct {
	backend.HostMemory

	cfg  Config
	pool *backend.GroupPool

	compiles atomic.Int64
	launches atomic.Int64
	programs atomic.Int64
	lost     atomic.Bool

	mu      sync.Mutex
	kernels backend.HostKernels
	last    map[*program]backend.ProfilingData
}

func New(cfg Config) *Backend {
	if cfg.Device.MaxWorkGroupSize == 0 {
		idx := cfg.Device.Index
		cfg.Device = DefaultDevice()
		cfg.Device.Index = idx
	}
	if cfg.Cost == nil {
		cfg.Cost = DefaultCost(cfg.Device)
	}
	kernels := make(backend.HostKernels, len(cfg.Kernels))
	for name, fn := range cfg.Kernels {
		kernels[name] = fn
	}
	return &Backend{
		cfg:     cfg,
		pool:    backend.NewGroupPool(1),
		kernels: kernels,
		last:    make(map[*program]backend.ProfilingData),
	}
}

func (b *Backend) Name() string               { return backend.Sim }
func (b *Backend) Device() backend.DeviceInfo { return b.cfg.Device }

func (b *Backend) Register(name string, fn backend.HostKernel) {
	b.mu.Lock()
	b.kernels[name] = fn
	b.mu.Unlock()
}

func (b *Backend) RegisterAll(ks backend.HostKernels) {
	for name, fn := range ks {
		b.Register(name, fn)
	}
}

// Compiles is the number of Compile calls that reached the device.
func (b *Backend) Compiles() int { return int(b.compiles.Load()) }

// Launches is the number of Launch calls that reached the device.
func (b *Backend) Launches() int { return int(b.launches.Load()) }

// LivePrograms is the number of compiled programs not yet released.
func (b *Backend) LivePrograms() int { return int(b.programs.Load()) }

type program struct {
	name     string
	defines  kernel.Defines
	fn       backend.HostKernel
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
	if b.lost.Load() {
		return nil, backend.FatalError("device lost")
	}
	b.compiles.Add(1)
	if msg, ok := errorDirective(source); ok {
		return nil, backend.CompilationError("%s", msg)
	}
	defines := kernel.ParseDefines(source)

	b.mu.Lock()
	fn := b.kernels[name]
	b.mu.Unlock()

	b.programs.Add(1)
	return &program{
		name:    name,
		defines: defines,
		fn:      fn,
		data: backend.CompilationData{
			Registers:        16 + 2*len(defines),
			SharedMemory:     int64(defines.Int(LocalMemoryDefine, 0)),
			MaxWorkGroupSize: b.cfg.Device.MaxWorkGroupSize,
		},
		onFree: func() { b.programs.Add(-1) },
	}, nil
}

// errorDirective finds the first "#error" line of a source.
func errorDirective(source string) (string, bool) {
	sc := bufio.NewScanner(strings.NewReader(source))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, "#error")
		if !ok {
			continue
		}
		msg := strings.Trim(strings.TrimSpace(rest), `"`)
		if msg == "" {
			msg = "#error directive"
		}
		return msg, true
	}
	return "", false
}

func (b *Backend) Launch(ctx context.Context, p backend.Program, l backend.Launch) (time.Duration, error) {
	prog, ok := p.(*program)
	if !ok || prog.released.Load() {
		return 0, backend.LaunchError("program %q is not a live sim program", p.Name())
	}
	if b.lost.Load() {
		return 0, backend.FatalError("device lost")
	}
	n := b.launches.Add(1)
	if b.cfg.FatalAfter > 0 && int(n) >= b.cfg.FatalAfter {
		b.lost.Store(true)
		return 0, backend.FatalError("device lost")
	}

	global, local := l.Global.Normalize(), l.Local.Normalize()
	if local.Size() > b.cfg.Device.MaxWorkGroupSize {
		return 0, backend.ErrResourceLimit
	}
	if prog.data.SharedMemory > b.cfg.Device.LocalMemory {
		return 0, backend.ErrResourceLimit
	}
	if err := backend.SyncQueue(ctx, l.Queue); err != nil {
		return 0, err
	}
	args, err := backend.HostBuffers(l.Arguments)
	if err != nil {
		return 0, err
	}
	if prog.fn != nil {
		if err := b.pool.Run(prog.fn, global, local, prog.defines, args); err != nil {
			return 0, backend.LaunchError("%s: %w", prog.name, err)
		}
	}

	d := max(b.cfg.Cost(global, local, prog.defines), time.Nanosecond)
	if b.cfg.Profiling {
		groups := global.Groups(local).Size()
		b.mu.Lock()
		b.last[prog] = backend.ProfilingData{Counters: map[string]float64{
			"work_groups":   float64(groups),
			"work_items":    float64(global.Size()),
			"occupancy":     occupancy(local),
			"duration_ns":   float64(d.Nanoseconds()),
			"local_memory":  float64(prog.data.SharedMemory),
			"launch_number": float64(n),
		}}
		b.mu.Unlock()
	}
	return d, nil
}

func (b *Backend) Profiling(p backend.Program) (backend.ProfilingData, bool) {
	prog, ok := p.(*program)
	if !ok {
		return backend.ProfilingData{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.last[prog]
	if ok {
		delete(b.last, prog)
	}
	return data, ok
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

const warpSize = 32

func occupancy(local kernel.Dim) float64 {
	threads := local.Size()
	warps := (threads + warpSize - 1) / warpSize
	return float64(threads) / float64(warps*warpSize)
}

// DefaultCost models a device that schedules warps of 32 work items across
// its compute units. Partially filled warps and oversubscribed units cost
// extra, so mid-sized work-groups win.
func DefaultCost(dev backend.DeviceInfo) CostFunc {
	units := max(dev.ComputeUnits, 1)
	return func(global, local kernel.Dim, defines kernel.Defines) time.Duration {
		groups := global.Groups(local).Size()
		threads := local.Size()
		warps := (threads + warpSize - 1) / warpSize
		waves := (groups + units - 1) / units
		unroll := max(defines.Int("UNROLL", 1), 1)

		perWarp := 200 + 800/unroll + 10*unroll
		ns := 2000 + waves*warps*perWarp
		if threads < warpSize {
			ns += waves * (warpSize - threads) * 25
		}
		return time.Duration(ns)
	}
}
