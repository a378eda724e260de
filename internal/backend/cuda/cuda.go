//go:build cuda

// Package cuda compiles kernels with NVRTC and launches them through the
// driver API, timing each launch with stream events.
package cuda

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
	"unsafe"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/backend/cuda/native"
	"github.com/samcharles93/ktune/internal/kernel"
)

type Backend struct {
	mu      sync.Mutex
	ordinal int
	info    backend.DeviceInfo
	block   [3]int
	stream  native.Stream
	options []string
	nextQ   int
}

// Devices returns the number of visible CUDA devices.
func Devices() (int, error) {
	count, err := native.DeviceCount()
	if err != nil {
		return 0, fmt.Errorf("cuda device query failed: %w", err)
	}
	return count, nil
}

// New binds a backend to device ordinal. Extra NVRTC options such as
// "--use_fast_math" are passed to every compilation.
func New(ordinal int, options ...string) (*Backend, error) {
	count, err := Devices()
	if err != nil {
		return nil, err
	}
	if count < 1 {
		return nil, fmt.Errorf("no cuda devices detected")
	}
	if ordinal < 0 || ordinal >= count {
		return nil, fmt.Errorf("cuda device %d out of range (%d devices)", ordinal, count)
	}
	if err := native.SetDevice(ordinal); err != nil {
		return nil, fmt.Errorf("cuda set device failed: %w", err)
	}
	if err := native.Init(); err != nil {
		return nil, fmt.Errorf("cuda driver init failed: %w", err)
	}
	info, err := deviceInfo(ordinal)
	if err != nil {
		return nil, err
	}
	stream, err := native.NewStream()
	if err != nil {
		return nil, fmt.Errorf("cuda stream create failed: %w", err)
	}
	if major, err := native.DeviceAttribute(ordinal, native.AttrComputeCapabilityMajor); err == nil {
		minor, _ := native.DeviceAttribute(ordinal, native.AttrComputeCapabilityMinor)
		options = append([]string{fmt.Sprintf("--gpu-architecture=compute_%d%d", major, minor)}, options...)
	}
	block, err := native.MaxBlockDims(ordinal)
	if err != nil {
		_ = stream.Destroy()
		return nil, fmt.Errorf("cuda block limits: %w", err)
	}
	return &Backend{ordinal: ordinal, info: info, block: block, stream: stream, options: options}, nil
}

func deviceInfo(ordinal int) (backend.DeviceInfo, error) {
	info := backend.DeviceInfo{Index: ordinal, Vendor: "NVIDIA"}
	name, err := native.DeviceName(ordinal)
	if err != nil {
		return info, fmt.Errorf("cuda device name: %w", err)
	}
	info.Name = name
	if info.MaxWorkGroupSize, err = native.DeviceAttribute(ordinal, native.AttrMaxThreadsPerBlock); err != nil {
		return info, err
	}
	if info.ComputeUnits, err = native.DeviceAttribute(ordinal, native.AttrMultiProcessorCount); err != nil {
		return info, err
	}
	shared, err := native.DeviceAttribute(ordinal, native.AttrMaxSharedMemoryPerBlock)
	if err != nil {
		return info, err
	}
	info.LocalMemory = int64(shared)
	if info.GlobalMemory, err = native.DeviceTotalMemory(ordinal); err != nil {
		return info, err
	}
	return info, nil
}

func (b *Backend) Name() string {
	return backend.CUDA
}

func (b *Backend) Device() backend.DeviceInfo {
	return b.info
}

// bind makes the device current on the calling thread. Callers hold b.mu.
func (b *Backend) bind() error {
	return classify("set device", native.SetDevice(b.ordinal))
}

type program struct {
	name   string
	module native.Module
	fn     native.Function
	data   backend.CompilationData
	once   sync.Once
}

func (p *program) Name() string                             { return p.name }
func (p *program) CompilationData() backend.CompilationData { return p.data }

func (p *program) Release() error {
	var err error
	p.once.Do(func() { err = p.module.Unload() })
	return err
}

func (b *Backend) Compile(ctx context.Context, name, source string) (backend.Program, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ptx, err := native.CompilePTX(source, name+".cu", b.options)
	if err != nil {
		var ce *native.CompileError
		if errors.As(err, &ce) {
			return nil, backend.CompilationError("%s", ce.Error())
		}
		return nil, backend.CompilationError("%s", errorText(err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.bind(); err != nil {
		return nil, err
	}
	mod, err := native.LoadModule(ptx)
	if err != nil {
		return nil, backend.CompilationError("load module: %s", errorText(err))
	}
	fn, err := mod.Function(name)
	if err != nil {
		_ = mod.Unload()
		return nil, backend.CompilationError("entry point %q: %s", name, errorText(err))
	}
	p := &program{name: name, module: mod, fn: fn}
	p.data.Registers, _ = fn.Attribute(native.FuncNumRegs)
	shared, _ := fn.Attribute(native.FuncSharedSizeBytes)
	constant, _ := fn.Attribute(native.FuncConstSizeBytes)
	local, _ := fn.Attribute(native.FuncLocalSizeBytes)
	p.data.SharedMemory = int64(shared)
	p.data.ConstantMemory = int64(constant)
	p.data.PrivateMemory = int64(local)
	p.data.MaxWorkGroupSize, _ = fn.Attribute(native.FuncMaxThreadsPerBlock)
	return p, nil
}

func (b *Backend) Launch(ctx context.Context, p backend.Program, l backend.Launch) (d time.Duration, err error) {
	prog, ok := p.(*program)
	if !ok {
		return 0, backend.LaunchError("program %q is not a cuda program", p.Name())
	}
	global, local := l.Global.Normalize(), l.Local.Normalize()
	limit := b.info.MaxWorkGroupSize
	if prog.data.MaxWorkGroupSize > 0 {
		limit = min(limit, prog.data.MaxWorkGroupSize)
	}
	if !blockFits(local, limit, b.block) {
		return 0, backend.ErrResourceLimit
	}
	args, err := launchArgs(l.Arguments)
	if err != nil {
		return 0, err
	}
	stream := b.stream
	if q, ok := l.Queue.(*queue); ok && q != nil {
		stream = q.stream
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	defer func() {
		if rec := recover(); rec != nil {
			d, err = 0, cudaExecutionError(rec)
		}
	}()
	if err := b.bind(); err != nil {
		return 0, err
	}

	start, err := native.NewEvent()
	if err != nil {
		return 0, classify("event create", err)
	}
	defer start.Destroy()
	end, err := native.NewEvent()
	if err != nil {
		return 0, classify("event create", err)
	}
	defer end.Destroy()

	groups := global.Groups(local)
	if err := start.Record(stream); err != nil {
		return 0, classify("event record", err)
	}
	if err := native.Launch(prog.fn,
		[3]int{groups.X, groups.Y, groups.Z},
		[3]int{local.X, local.Y, local.Z},
		0, stream, args); err != nil {
		return 0, classify(prog.name, err)
	}
	if err := end.Record(stream); err != nil {
		return 0, classify("event record", err)
	}
	if err := end.Synchronize(); err != nil {
		return 0, classify(prog.name, err)
	}
	elapsed, err := native.Elapsed(start, end)
	if err != nil {
		return 0, classify("event elapsed", err)
	}
	return max(elapsed, time.Nanosecond), nil
}

// deviceBuffer holds device memory, or the value of a scalar argument which
// is passed to kernels by value.
type deviceBuffer struct {
	id     kernel.ArgumentID
	tmpl   kernel.Argument
	mem    native.DeviceBuffer
	scalar [8]byte
	once   sync.Once
}

func (db *deviceBuffer) Argument() kernel.ArgumentID { return db.id }
func (db *deviceBuffer) Len() int                    { return db.tmpl.Len() }

func (db *deviceBuffer) Release() error {
	var err error
	db.once.Do(func() { err = db.mem.Free() })
	return err
}

func launchArgs(bufs []backend.Buffer) ([]native.KernelArg, error) {
	out := make([]native.KernelArg, len(bufs))
	for i, buf := range bufs {
		db, ok := buf.(*deviceBuffer)
		if !ok {
			return nil, backend.LaunchError("buffer %T is not a cuda buffer", buf)
		}
		if db.tmpl.Scalar {
			out[i].Scalar = db.scalar
		} else {
			out[i].Buffer = &db.mem
		}
	}
	return out, nil
}

// hostPointer returns the address of the first element of arg.
func hostPointer(arg kernel.Argument) unsafe.Pointer {
	switch arg.Type() {
	case kernel.Int32:
		d, _ := kernel.Data[int32](arg)
		return unsafe.Pointer(unsafe.SliceData(d))
	case kernel.Float32:
		d, _ := kernel.Data[float32](arg)
		return unsafe.Pointer(unsafe.SliceData(d))
	case kernel.Float64:
		d, _ := kernel.Data[float64](arg)
		return unsafe.Pointer(unsafe.SliceData(d))
	}
	return nil
}

func scalarBytes(arg kernel.Argument) [8]byte {
	var out [8]byte
	switch arg.Type() {
	case kernel.Int32:
		d, _ := kernel.Data[int32](arg)
		binary.LittleEndian.PutUint32(out[:], uint32(d[0]))
	case kernel.Float32:
		d, _ := kernel.Data[float32](arg)
		binary.LittleEndian.PutUint32(out[:], math.Float32bits(d[0]))
	case kernel.Float64:
		d, _ := kernel.Data[float64](arg)
		binary.LittleEndian.PutUint64(out[:], math.Float64bits(d[0]))
	}
	return out
}

func (b *Backend) allocate(arg kernel.Argument) (*deviceBuffer, error) {
	if err := arg.Validate(); err != nil {
		return nil, backend.LaunchError("create buffer: %w", err)
	}
	db := &deviceBuffer{id: arg.ID, tmpl: arg.Zeroed()}
	if arg.Scalar {
		db.scalar = scalarBytes(arg)
		return db, nil
	}
	mem, err := native.AllocDevice(arg.Bytes())
	if err != nil {
		return nil, classify("allocate", err)
	}
	db.mem = mem
	return db, nil
}

func (b *Backend) CreateBuffer(ctx context.Context, arg kernel.Argument) (backend.Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.bind(); err != nil {
		return nil, err
	}
	db, err := b.allocate(arg)
	if err != nil {
		return nil, err
	}
	if !arg.Scalar {
		if err := native.MemcpyH2D(db.mem, hostPointer(arg), arg.Bytes()); err != nil {
			_ = db.Release()
			return nil, classify("upload", err)
		}
	}
	return db, nil
}

func (b *Backend) CreateBufferAsync(ctx context.Context, q backend.Queue, arg kernel.Argument) (backend.Buffer, error) {
	cq, ok := q.(*queue)
	if !ok || cq == nil {
		return b.CreateBuffer(ctx, arg)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.bind(); err != nil {
		return nil, err
	}
	db, err := b.allocate(arg)
	if err != nil || arg.Scalar {
		return db, err
	}
	if err := cq.upload(db.mem, arg); err != nil {
		_ = db.Release()
		return nil, err
	}
	return db, nil
}

func (b *Backend) WriteBuffer(ctx context.Context, dst backend.Buffer, src kernel.Argument) error {
	db, ok := dst.(*deviceBuffer)
	if !ok {
		return backend.LaunchError("buffer %T is not a cuda buffer", dst)
	}
	if src.Bytes() > db.tmpl.Bytes() || src.Type() != db.tmpl.Type() {
		return backend.LaunchError("write buffer: argument %d does not fit", db.id)
	}
	if db.tmpl.Scalar {
		db.scalar = scalarBytes(src)
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.bind(); err != nil {
		return err
	}
	return classify("upload", native.MemcpyH2D(db.mem, hostPointer(src), src.Bytes()))
}

func (b *Backend) CopyBuffer(ctx context.Context, dst, src backend.Buffer) error {
	return b.CopyBufferAsync(ctx, nil, dst, src)
}

func (b *Backend) CopyBufferAsync(ctx context.Context, q backend.Queue, dst, src backend.Buffer) error {
	d, ok1 := dst.(*deviceBuffer)
	s, ok2 := src.(*deviceBuffer)
	if !ok1 || !ok2 {
		return backend.LaunchError("copy buffer: not cuda buffers")
	}
	if d.tmpl.Type() != s.tmpl.Type() || s.tmpl.Bytes() > d.tmpl.Bytes() {
		return backend.LaunchError("copy buffer: argument %d does not fit into %d", s.id, d.id)
	}
	if s.tmpl.Scalar || d.tmpl.Scalar {
		d.scalar = s.scalar
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.bind(); err != nil {
		return err
	}
	cq, ok := q.(*queue)
	if !ok || cq == nil {
		return classify("copy", native.MemcpyD2D(d.mem, s.mem, s.tmpl.Bytes()))
	}
	return classify("copy", native.MemcpyD2DAsync(d.mem, s.mem, s.tmpl.Bytes(), cq.stream))
}

func (b *Backend) ReadBuffer(ctx context.Context, buf backend.Buffer) (kernel.Argument, error) {
	db, ok := buf.(*deviceBuffer)
	if !ok {
		return kernel.Argument{}, backend.LaunchError("buffer %T is not a cuda buffer", buf)
	}
	out := db.tmpl.Zeroed()
	if db.tmpl.Scalar {
		return out, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.bind(); err != nil {
		return kernel.Argument{}, err
	}
	if err := native.MemcpyD2H(hostPointer(out), db.mem, out.Bytes()); err != nil {
		return kernel.Argument{}, classify("download", err)
	}
	return out, nil
}

func (b *Backend) NewQueue() (backend.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.bind(); err != nil {
		return nil, err
	}
	stream, err := native.NewStream()
	if err != nil {
		return nil, classify("stream create", err)
	}
	b.nextQ++
	return &queue{id: b.nextQ, stream: stream}, nil
}

// Profiling counters need CUPTI, which this backend does not link.
func (b *Backend) Profiling(backend.Program) (backend.ProfilingData, bool) {
	return backend.ProfilingData{}, false
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.bind(); err != nil {
		return err
	}
	return b.stream.Destroy()
}

// queue is a CUDA stream. Asynchronous uploads are staged through pinned
// host memory that is freed once the stream is joined.
type queue struct {
	id      int
	stream  native.Stream
	mu      sync.Mutex
	staging []native.HostBuffer
}

func (q *queue) ID() int { return q.id }

func (q *queue) upload(dst native.DeviceBuffer, arg kernel.Argument) error {
	bytes := arg.Bytes()
	pinned, err := native.AllocHostPinned(bytes)
	if err != nil {
		return classify("pinned alloc", err)
	}
	copy(unsafe.Slice((*byte)(pinned.Ptr()), bytes), unsafe.Slice((*byte)(hostPointer(arg)), bytes))
	if err := native.MemcpyH2DAsync(dst, pinned.Ptr(), bytes, q.stream); err != nil {
		_ = pinned.Free()
		return classify("upload", err)
	}
	q.mu.Lock()
	q.staging = append(q.staging, pinned)
	q.mu.Unlock()
	return nil
}

func (q *queue) Synchronize(ctx context.Context) error {
	err := classify("synchronize", q.stream.Synchronize())
	q.mu.Lock()
	for _, hb := range q.staging {
		_ = hb.Free()
	}
	q.staging = nil
	q.mu.Unlock()
	return err
}

func (q *queue) Release() error {
	err := q.Synchronize(context.Background())
	return errors.Join(err, q.stream.Destroy())
}
