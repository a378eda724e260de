// Package workload provides the builtin tuning targets: kernel sources for
// device backends, matching host kernels for the cpu and sim backends,
// seeded input data and a host reference.
package workload

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/dispatch"
	"github.com/samcharles93/ktune/internal/kernel"
	"github.com/samcharles93/ktune/internal/space"
	"github.com/samcharles93/ktune/internal/validate"
)

// Options sizes the generated data.
type Options struct {
	// Size is the problem size: vector length, or the M, K and N of gemm.
	Size int
	Seed uint64
}

// Workload is a ready-to-tune unit.
type Workload struct {
	Name      string
	Unit      dispatch.Unit
	Reference validate.ReferenceFunc
	// Outputs are the arguments compared against the reference.
	Outputs []kernel.ArgumentID
	// Space builds a default search space for the workload.
	Space func() (*space.Space, error)
}

// Argument looks up an argument by name.
func (w *Workload) Argument(name string) (kernel.Argument, bool) {
	for _, a := range w.Unit.Arguments {
		if a.Name == name {
			return a, true
		}
	}
	return kernel.Argument{}, false
}

type builder struct {
	build   func(Options) *Workload
	kernels backend.HostKernels
	size    int
}

var registry = map[string]builder{
	"vector_add": {build: vectorAdd, kernels: backend.HostKernels{"vectorAddition": vectorAddKernel}, size: 1 << 20},
	"gemm":       {build: gemm, kernels: backend.HostKernels{"gemm": gemmKernel}, size: 256},
}

// Names lists the builtin workloads.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates a workload. A zero Size picks the workload default.
func Build(name string, opts Options) (*Workload, error) {
	b, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown workload %q (available: %v)", name, Names())
	}
	if opts.Size < 0 {
		return nil, fmt.Errorf("workload %s: negative size %d", name, opts.Size)
	}
	if opts.Size == 0 {
		opts.Size = b.size
	}
	return b.build(opts), nil
}

// HostKernels returns the host implementation of every builtin kernel.
func HostKernels() backend.HostKernels {
	out := make(backend.HostKernels)
	for _, b := range registry {
		for name, fn := range b.kernels {
			out[name] = fn
		}
	}
	return out
}

func randomFloats(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32() - 0.5) * 2
	}
	return out
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed+1))
}

func outputs(args ...kernel.Argument) validate.Outputs {
	out := make(validate.Outputs, len(args))
	for _, a := range args {
		out[a.ID] = a
	}
	return out
}

func singleParameterSpace(name string, values ...int64) func() (*space.Space, error) {
	values = slices.Clone(values)
	return func() (*space.Space, error) {
		s := space.New()
		if err := s.AddParameter(name, space.Ints(values...)); err != nil {
			return nil, err
		}
		return s, nil
	}
}
