package cpu

import (
	"context"
	"errors"
	"testing"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/kernel"
)

func vectorAdd(wg backend.WorkGroup, args []*backend.HostBuffer) error {
	a := backend.HostSlice[float32](args[0])
	b := backend.HostSlice[float32](args[1])
	c := backend.HostSlice[float32](args[2])
	base := wg.Group.X * wg.Local.X
	for i := range wg.Local.X {
		if idx := base + i; idx < len(c) {
			c[idx] = a[idx] + b[idx]
		}
	}
	return nil
}

func TestLaunchVectorAdd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New(WithWorkers(3))
	defer b.Close()
	b.Register("vector_add", vectorAdd)

	const n = 1000
	a, bb := make([]float32, n), make([]float32, n)
	for i := range n {
		a[i], bb[i] = float32(i), float32(2*i)
	}
	bufs := make([]backend.Buffer, 3)
	for i, arg := range []kernel.Argument{
		kernel.NewVector(1, "a", kernel.ReadOnly, a),
		kernel.NewVector(2, "b", kernel.ReadOnly, bb),
		kernel.NewVector(3, "c", kernel.WriteOnly, make([]float32, n)),
	} {
		buf, err := b.CreateBuffer(ctx, arg)
		if err != nil {
			t.Fatalf("CreateBuffer: %v", err)
		}
		defer buf.Release()
		bufs[i] = buf
	}

	p, err := b.Compile(ctx, "vector_add", "#define BLOCK 64\n")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer p.Release()

	d, err := b.Launch(ctx, p, backend.Launch{Global: kernel.D1(n), Local: kernel.D1(64), Arguments: bufs})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if d <= 0 {
		t.Fatalf("duration = %v", d)
	}
	out, err := b.ReadBuffer(ctx, bufs[2])
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	c, _ := kernel.Data[float32](out)
	for i := range n {
		if c[i] != float32(3*i) {
			t.Fatalf("c[%d] = %v", i, c[i])
		}
	}
}

func TestCompileUnknownKernel(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()
	if _, err := b.Compile(context.Background(), "missing", ""); !errors.Is(err, backend.ErrCompilation) {
		t.Fatalf("err = %v", err)
	}
}

func TestLaunchLimits(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := New(WithMaxWorkGroupSize(64))
	defer b.Close()
	b.Register("boom", func(backend.WorkGroup, []*backend.HostBuffer) error {
		var s []int
		_ = s[3]
		return nil
	})
	p, err := b.Compile(ctx, "boom", "")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer p.Release()

	if _, err := b.Launch(ctx, p, backend.Launch{Global: kernel.D1(128), Local: kernel.D1(128)}); !errors.Is(err, backend.ErrResourceLimit) {
		t.Fatalf("oversized group: %v", err)
	}
	if _, err := b.Launch(ctx, p, backend.Launch{Global: kernel.D1(128), Local: kernel.D1(32)}); !errors.Is(err, backend.ErrLaunch) {
		t.Fatalf("panicking kernel: %v", err)
	}
	if b.Device().MaxWorkGroupSize != 64 || b.Device().ComputeUnits < 1 {
		t.Fatalf("device = %+v", b.Device())
	}
}
