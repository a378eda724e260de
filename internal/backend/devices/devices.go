// Package devices opens backend instances by name.
package devices

import (
	"fmt"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/backend/cpu"
	"github.com/samcharles93/ktune/internal/backend/sim"
)

type Options struct {
	// Count limits the number of devices opened. Zero opens one simulated
	// device or every CUDA device.
	Count int
	// Workers sizes the cpu backend's work-group pool.
	Workers int
	// Kernels are registered with host backends.
	Kernels backend.HostKernels
	// Sim configures simulated devices. Device.Index is set per device.
	Sim sim.Config
}

// Open returns one backend per device for name.
func Open(name string, opts Options) ([]backend.Backend, error) {
	name, err := backend.Normalize(name)
	if err != nil {
		return nil, err
	}
	switch name {
	case backend.CPU:
		b := cpu.New(cpu.WithWorkers(opts.Workers))
		b.RegisterAll(opts.Kernels)
		return []backend.Backend{b}, nil
	case backend.Sim:
		n := max(opts.Count, 1)
		out := make([]backend.Backend, n)
		for i := range n {
			cfg := opts.Sim
			if cfg.Device.MaxWorkGroupSize == 0 {
				cfg.Device = sim.DefaultDevice()
			}
			cfg.Device.Index = i
			cfg.Kernels = opts.Kernels
			out[i] = sim.New(cfg)
		}
		return out, nil
	case backend.CUDA:
		return openCUDA(opts.Count)
	default:
		if backend.Has(backend.CUDA) {
			if bs, err := openCUDA(opts.Count); err == nil {
				return bs, nil
			}
		}
		return Open(backend.CPU, opts)
	}
}

// CloseAll closes every backend and returns the first error.
func CloseAll(bs []backend.Backend) error {
	var first error
	for _, b := range bs {
		if err := b.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s device %d: %w", b.Name(), b.Device().Index, err)
		}
	}
	return first
}
