package workload

import (
	"context"
	_ "embed"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/dispatch"
	"github.com/samcharles93/ktune/internal/kernel"
	"github.com/samcharles93/ktune/internal/validate"
)

//go:embed kernels/vector_add.cu
var vectorAddSource string

// WorkGroupParam scales the vector_add work-group size.
const WorkGroupParam = "multiply_work_group_size"

const (
	vaA kernel.ArgumentID = iota + 1
	vaB
	vaC
	vaN
)

func vectorAdd(opts Options) *Workload {
	n := opts.Size
	rng := newRand(opts.Seed)
	a := randomFloats(rng, n)
	b := randomFloats(rng, n)

	spec := kernel.Spec{
		ID:        1,
		Name:      "vectorAddition",
		Source:    vectorAddSource,
		Global:    kernel.D1(n),
		Local:     kernel.D1(1),
		Arguments: []kernel.ArgumentID{vaA, vaB, vaC, vaN},
		Modifiers: []kernel.Modifier{{Param: WorkGroupParam, Target: kernel.Local, Action: kernel.Multiply, Axis: kernel.AxisX}},
	}
	return &Workload{
		Name: "vector_add",
		Unit: dispatch.Unit{
			ID:      spec.ID,
			Name:    "vector_add",
			Kernels: []kernel.Spec{spec},
			Arguments: []kernel.Argument{
				kernel.NewVector(vaA, "a", kernel.ReadOnly, a),
				kernel.NewVector(vaB, "b", kernel.ReadOnly, b),
				kernel.NewVector(vaC, "c", kernel.WriteOnly, make([]float32, n)),
				kernel.NewScalar(vaN, "n", int32(n)),
			},
		},
		Reference: func(context.Context) (validate.Outputs, error) {
			c := make([]float32, n)
			for i := range c {
				c[i] = a[i] + b[i]
			}
			return outputs(kernel.NewVector(vaC, "c", kernel.WriteOnly, c)), nil
		},
		Outputs: []kernel.ArgumentID{vaC},
		Space:   singleParameterSpace(WorkGroupParam, 32, 64, 128, 256, 512),
	}
}

func vectorAddKernel(wg backend.WorkGroup, args []*backend.HostBuffer) error {
	a := backend.HostSlice[float32](args[0])
	b := backend.HostSlice[float32](args[1])
	c := backend.HostSlice[float32](args[2])
	n := int(backend.HostSlice[int32](args[3])[0])

	start := wg.Group.X * wg.Local.X
	end := min(start+wg.Local.X, n)
	for i := start; i < end; i++ {
		c[i] = a[i] + b[i]
	}
	return nil
}
