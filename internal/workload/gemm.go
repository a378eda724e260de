package workload

import (
	"context"
	_ "embed"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/dispatch"
	"github.com/samcharles93/ktune/internal/kernel"
	"github.com/samcharles93/ktune/internal/space"
	"github.com/samcharles93/ktune/internal/validate"
)

//go:embed kernels/gemm.cu
var gemmSource string

const (
	gemmA kernel.ArgumentID = iota + 1
	gemmB
	gemmC
	gemmM
	gemmK
	gemmN
)

// Tile parameters of the gemm workload. TILE_M and TILE_N set the
// work-group shape, TILE_K the depth of each block update.
const (
	TileM = "TILE_M"
	TileN = "TILE_N"
	TileK = "TILE_K"
)

// maxTile bounds TILE_K so the per-group packed B slice stays small.
const maxTile = 64

func gemm(opts Options) *Workload {
	m, k, n := opts.Size, opts.Size, opts.Size
	rng := newRand(opts.Seed)
	a := randomFloats(rng, m*k)
	b := randomFloats(rng, k*n)

	spec := kernel.Spec{
		ID:        2,
		Name:      "gemm",
		Source:    gemmSource,
		Global:    kernel.D2(n, m),
		Local:     kernel.D2(1, 1),
		Arguments: []kernel.ArgumentID{gemmA, gemmB, gemmC, gemmM, gemmK, gemmN},
		Modifiers: []kernel.Modifier{
			{Param: TileN, Target: kernel.Local, Action: kernel.Multiply, Axis: kernel.AxisX},
			{Param: TileM, Target: kernel.Local, Action: kernel.Multiply, Axis: kernel.AxisY},
		},
	}
	return &Workload{
		Name: "gemm",
		Unit: dispatch.Unit{
			ID:      spec.ID,
			Name:    "gemm",
			Kernels: []kernel.Spec{spec},
			Arguments: []kernel.Argument{
				kernel.NewVector(gemmA, "A", kernel.ReadOnly, a),
				kernel.NewVector(gemmB, "B", kernel.ReadOnly, b),
				kernel.NewVector(gemmC, "C", kernel.WriteOnly, make([]float32, m*n)),
				kernel.NewScalar(gemmM, "M", int32(m)),
				kernel.NewScalar(gemmK, "K", int32(k)),
				kernel.NewScalar(gemmN, "N", int32(n)),
			},
		},
		Reference: func(context.Context) (validate.Outputs, error) {
			c := make([]float32, m*n)
			gemmNaive(c, a, b, m, k, n)
			return outputs(kernel.NewVector(gemmC, "C", kernel.WriteOnly, c)), nil
		},
		Outputs: []kernel.ArgumentID{gemmC},
		Space:   gemmSpace,
	}
}

func gemmSpace() (*space.Space, error) {
	s := space.New()
	tiles := space.Ints(4, 8, 16, 32)
	if err := s.AddParameter(TileM, tiles); err != nil {
		return nil, err
	}
	if err := s.AddParameter(TileN, tiles); err != nil {
		return nil, err
	}
	fits := space.Constraint{
		Name:   "work group fits",
		Params: []string{TileM, TileN},
		Fn:     func(v []space.Value) bool { return v[0].Int()*v[1].Int() <= 256 },
	}
	if err := s.AddConstraint(fits); err != nil {
		return nil, err
	}
	return s, s.AddParameter(TileK, space.Ints(8, 16, 32))
}

// gemmNaive accumulates in float64 so the reference is more accurate than
// any tiled float32 result it is compared against.
func gemmNaive(c, a, b []float32, m, k, n int) {
	for i := range m {
		for j := range n {
			var sum float64
			for kk := range k {
				sum += float64(a[i*k+kk]) * float64(b[kk*n+j])
			}
			c[i*n+j] = float32(sum)
		}
	}
}

// gemmKernel computes one TILE_M x TILE_N tile of C per work-group, walking
// K in TILE_K slices. The B slice is packed contiguously before the block
// update.
func gemmKernel(wg backend.WorkGroup, args []*backend.HostBuffer) error {
	a := backend.HostSlice[float32](args[0])
	b := backend.HostSlice[float32](args[1])
	c := backend.HostSlice[float32](args[2])
	m := int(backend.HostSlice[int32](args[3])[0])
	k := int(backend.HostSlice[int32](args[4])[0])
	n := int(backend.HostSlice[int32](args[5])[0])
	tk := clampTile(wg.Defines.Int(TileK, 8), maxTile)

	i0 := wg.Group.Y * wg.Local.Y
	j0 := wg.Group.X * wg.Local.X
	iMax := min(i0+wg.Local.Y, m)
	jMax := min(j0+wg.Local.X, n)
	if i0 >= iMax || j0 >= jMax {
		return nil
	}
	width := jMax - j0

	for i := i0; i < iMax; i++ {
		clear(c[i*n+j0 : i*n+jMax])
	}
	packB := make([]float32, tk*width)
	for k0 := 0; k0 < k; k0 += tk {
		kMax := min(k0+tk, k)
		packBTile(packB, b, n, k0, kMax, j0, jMax)
		blockUpdate(c, a, packB, n, k, i0, iMax, j0, width, k0, kMax-k0)
	}
	return nil
}

func clampTile(value, limit int) int {
	return max(1, min(value, limit))
}

func packBTile(dst, b []float32, stride, k0, kMax, j0, jMax int) {
	width := jMax - j0
	for kk := 0; kk < kMax-k0; kk++ {
		off := (k0+kk)*stride + j0
		copy(dst[kk*width:(kk+1)*width], b[off:off+width])
	}
}

func blockUpdate(c, a, packB []float32, cStride, aStride, i0, iMax, j0, width, k0, kInner int) {
	for i := i0; i < iMax; i++ {
		aRow := a[i*aStride+k0 : i*aStride+k0+kInner]
		cRow := c[i*cStride+j0 : i*cStride+j0+width]
		for kk, aik := range aRow {
			bRow := packB[kk*width : (kk+1)*width]
			j := 0
			for ; j+3 < width; j += 4 {
				cRow[j+0] += aik * bRow[j+0]
				cRow[j+1] += aik * bRow[j+1]
				cRow[j+2] += aik * bRow[j+2]
				cRow[j+3] += aik * bRow[j+3]
			}
			for ; j < width; j++ {
				cRow[j] += aik * bRow[j]
			}
		}
	}
}
