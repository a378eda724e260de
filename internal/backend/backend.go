// Package backend defines the compute capability the tuner drives: compile a
// kernel source, launch it with a geometry and arguments, move buffers and
// report build and profiling metadata.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/ktune/internal/kernel"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
	Sim  = "sim"
	Auto = "auto"
)

// Normalize maps a user supplied backend name to one of the constants.
func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CPU, CUDA, Sim, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, cpu, cuda, or sim)", backend)
	}
}

// DeviceInfo describes the device a backend instance is bound to.
type DeviceInfo struct {
	Index            int    `json:"index"`
	Name             string `json:"name"`
	Vendor           string `json:"vendor,omitempty"`
	ComputeUnits     int    `json:"compute_units"`
	MaxWorkGroupSize int    `json:"max_work_group_size"`
	LocalMemory      int64  `json:"local_memory"`
	GlobalMemory     int64  `json:"global_memory"`
}

// CompilationData is build metadata reported for a compiled kernel.
type CompilationData struct {
	Registers        int   `json:"registers"`
	SharedMemory     int64 `json:"shared_memory"`
	ConstantMemory   int64 `json:"constant_memory"`
	PrivateMemory    int64 `json:"private_memory"`
	MaxWorkGroupSize int   `json:"max_work_group_size"`
}

// ProfilingData holds backend counters collected for the last launch of a program.
type ProfilingData struct {
	Counters map[string]float64 `json:"counters"`
}

// Launch is one kernel invocation.
type Launch struct {
	Global kernel.Dim
	Local  kernel.Dim
	// Arguments are bound positionally.
	Arguments []Buffer
	// Queue is nil for the backend's default queue.
	Queue Queue
}

// Program is a compiled kernel.
type Program interface {
	Name() string
	CompilationData() CompilationData
	Release() error
}

// Buffer is device memory mirroring a kernel argument.
type Buffer interface {
	Argument() kernel.ArgumentID
	Len() int
	Release() error
}

// Queue orders asynchronous work on a device.
type Queue interface {
	ID() int
	Synchronize(ctx context.Context) error
	Release() error
}

// Backend is one compute device. Implementations are used by a single
// dispatcher at a time.
type Backend interface {
	Name() string
	Device() DeviceInfo

	// Compile builds the entry point name from source. Failures wrap ErrCompilation.
	Compile(ctx context.Context, name, source string) (Program, error)
	// Launch blocks until the kernel completed and returns its execution time.
	// Failures wrap ErrLaunch or ErrFatal.
	Launch(ctx context.Context, p Program, l Launch) (time.Duration, error)

	CreateBuffer(ctx context.Context, arg kernel.Argument) (Buffer, error)
	CreateBufferAsync(ctx context.Context, q Queue, arg kernel.Argument) (Buffer, error)
	// WriteBuffer uploads host data into an existing buffer.
	WriteBuffer(ctx context.Context, dst Buffer, src kernel.Argument) error
	CopyBuffer(ctx context.Context, dst, src Buffer) error
	CopyBufferAsync(ctx context.Context, q Queue, dst, src Buffer) error
	// ReadBuffer returns a host copy of the buffer contents.
	ReadBuffer(ctx context.Context, b Buffer) (kernel.Argument, error)

	NewQueue() (Queue, error)
	// Profiling returns counters for the last launch of p, if the backend collects them.
	Profiling(p Program) (ProfilingData, bool)
	Close() error
}
