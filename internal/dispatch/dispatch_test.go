package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/backend/sim"
	"github.com/samcharles93/ktune/internal/kernel"
	"github.com/samcharles93/ktune/internal/result"
	"github.com/samcharles93/ktune/internal/space"
)

const (
	argIn  kernel.ArgumentID = 1
	argOut kernel.ArgumentID = 2
)

// scale writes in[i]*SCALE to out[i].
func scale(wg backend.WorkGroup, args []*backend.HostBuffer) error {
	in := backend.HostSlice[float32](args[0])
	out := backend.HostSlice[float32](args[1])
	f := float32(wg.Defines.Float("SCALE", 1))
	base := wg.Group.X * wg.Local.X
	for lx := range wg.Local.X {
		if i := base + lx; i < len(out) {
			out[i] = in[i] * f
		}
	}
	return nil
}

func newSim(cfg sim.Config) *sim.Backend {
	if cfg.Cost == nil {
		cfg.Cost = func(_, _ kernel.Dim, _ kernel.Defines) time.Duration { return time.Microsecond }
	}
	cfg.Kernels = backend.HostKernels{"scale": scale}
	return sim.New(cfg)
}

func scaleUnit(source string, local kernel.Dim) Unit {
	in := []float32{1, 2, 3, 4, 5, 6, 7, 8}
	return Unit{
		ID:   1,
		Name: "scale",
		Kernels: []kernel.Spec{{
			ID:        1,
			Name:      "scale",
			Source:    source,
			Global:    kernel.D1(len(in)),
			Local:     local,
			Arguments: []kernel.ArgumentID{argIn, argOut},
		}},
		Arguments: []kernel.Argument{
			kernel.NewVector(argIn, "in", kernel.ReadOnly, in),
			kernel.NewVector(argOut, "out", kernel.WriteOnly, make([]float32, len(in))),
		},
	}
}

func scaleConfig(f float64) space.Configuration {
	return space.NewConfiguration(space.Pair{Name: "SCALE", Value: space.Float(f)})
}

func assertReleased(t *testing.T, b *sim.Backend) {
	t.Helper()
	if b.LiveBuffers() != 0 || b.LiveQueues() != 0 || b.LivePrograms() != 0 {
		t.Fatalf("leaked resources: %d buffers, %d queues, %d programs", b.LiveBuffers(), b.LiveQueues(), b.LivePrograms())
	}
}

func TestRunSingleKernel(t *testing.T) {
	t.Parallel()

	b := newSim(sim.Config{})
	d := New(b)
	out, err := d.Run(context.Background(), scaleConfig(2), scaleUnit("", kernel.D1(4)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := out.Result
	if !r.Ok() || r.Status != result.StatusOK || r.Duration != time.Microsecond {
		t.Fatalf("result = %+v", r)
	}
	if r.Overhead != 0 {
		t.Fatalf("single kernel reported overhead %v", r.Overhead)
	}
	if len(r.Compilation) != 1 || r.Compilation[0].Kernel != "scale" {
		t.Fatalf("compilation = %+v", r.Compilation)
	}
	got, _ := kernel.Data[float32](out.Outputs[argOut])
	for i, v := range got {
		if v != float32(2*(i+1)) {
			t.Fatalf("out[%d] = %v", i, v)
		}
	}
	if _, ok := out.Outputs[argIn]; ok {
		t.Fatalf("read-only argument returned as output")
	}
	assertReleased(t, b)
}

func TestRunDoesNotMutateArguments(t *testing.T) {
	t.Parallel()

	b := newSim(sim.Config{})
	u := scaleUnit("", kernel.D1(4))
	if _, err := New(b).Run(context.Background(), scaleConfig(3), u); err != nil {
		t.Fatalf("Run: %v", err)
	}
	host, _ := kernel.Data[float32](u.Arguments[1])
	for i, v := range host {
		if v != 0 {
			t.Fatalf("host out[%d] = %v after run", i, v)
		}
	}
}

func TestCompilationFailureHasNoDuration(t *testing.T) {
	t.Parallel()

	b := newSim(sim.Config{})
	out, err := New(b).Run(context.Background(), scaleConfig(1), scaleUnit("#error tile too large\n", kernel.D1(4)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := out.Result
	if r.Status != result.StatusCompilationFailed || r.Error != "tile too large" || r.Duration != 0 {
		t.Fatalf("result = %+v", r)
	}
	if b.Launches() != 0 {
		t.Fatalf("failed compilation reached execution")
	}
	if out.Outputs != nil {
		t.Fatalf("failed attempt returned outputs")
	}
	assertReleased(t, b)
}

func TestResourceLimitRecorded(t *testing.T) {
	t.Parallel()

	b := newSim(sim.Config{})
	out, err := New(b).Run(context.Background(), scaleConfig(1), scaleUnit("", kernel.D1(512)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if r := out.Result; r.Status != result.StatusLaunchFailed || r.Error != "resource limit exceeded" || r.Duration != 0 {
		t.Fatalf("result = %+v", r)
	}
	assertReleased(t, b)
}

func TestIllegalGeometryRecorded(t *testing.T) {
	t.Parallel()

	b := newSim(sim.Config{})
	u := scaleUnit("", kernel.D1(4))
	u.Kernels[0].Modifiers = []kernel.Modifier{{Param: "DIV", Target: kernel.Local, Action: kernel.Divide, Axis: kernel.AxisX}}
	cfg := space.NewConfiguration(space.Pair{Name: "DIV", Value: space.Int(0)})

	out, err := New(b).Run(context.Background(), cfg, u)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result.Status != result.StatusLaunchFailed {
		t.Fatalf("result = %+v", out.Result)
	}
	assertReleased(t, b)
}

func TestFatalErrorIsReturned(t *testing.T) {
	t.Parallel()

	b := newSim(sim.Config{FatalAfter: 1})
	out, err := New(b).Run(context.Background(), scaleConfig(1), scaleUnit("", kernel.D1(4)))
	if !errors.Is(err, backend.ErrFatal) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if out.Result.Status != result.StatusFatal || out.Result.Error != "device lost" {
		t.Fatalf("result = %+v", out.Result)
	}
	assertReleased(t, b)
}

func TestManipulatorComposition(t *testing.T) {
	t.Parallel()

	b := newSim(sim.Config{})
	u := scaleUnit("", kernel.D1(4))
	// Scale twice: out = in*SCALE, in <- out, out = in*SCALE.
	u.Manipulator = ManipulatorFunc(func(ctx context.Context, s *Session) error {
		if err := s.RunKernel(ctx, 1); err != nil {
			return err
		}
		q, err := s.NewQueue()
		if err != nil {
			return err
		}
		if err := s.CopyBufferAsync(ctx, q, argIn, argOut); err != nil {
			return err
		}
		return s.RunKernel(ctx, 1)
	})

	out, err := New(b).Run(context.Background(), scaleConfig(2), u)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	r := out.Result
	if !r.Ok() || r.Duration != 2*time.Microsecond || r.Overhead < 0 {
		t.Fatalf("result = %+v", r)
	}
	got, _ := kernel.Data[float32](out.Outputs[argOut])
	if got[0] != 4 || got[7] != 32 {
		t.Fatalf("out = %v", got)
	}
	assertReleased(t, b)
}

func TestManipulatorReadAndUpdate(t *testing.T) {
	t.Parallel()

	b := newSim(sim.Config{})
	u := scaleUnit("", kernel.D1(4))
	u.Manipulator = ManipulatorFunc(func(ctx context.Context, s *Session) error {
		in, err := s.ReadBuffer(ctx, argIn)
		if err != nil {
			return err
		}
		data, _ := kernel.Data[float32](in)
		for i := range data {
			data[i] = 1
		}
		if err := s.UpdateArgument(ctx, in); err != nil {
			return err
		}
		return s.RunKernel(ctx, 1)
	})

	out, err := New(b).Run(context.Background(), scaleConfig(5), u)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := kernel.Data[float32](out.Outputs[argOut])
	for i, v := range got {
		if v != 5 {
			t.Fatalf("out[%d] = %v", i, v)
		}
	}
}

func TestManipulatorFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   ManipulatorFunc
		want string
	}{
		{
			name: "panic",
			fn:   func(context.Context, *Session) error { panic("index out of range") },
			want: "execution panicked: index out of range",
		},
		{
			name: "error",
			fn:   func(context.Context, *Session) error { return errors.New("bad shape") },
			want: "bad shape",
		},
		{
			name: "unknown kernel",
			fn:   func(ctx context.Context, s *Session) error { return s.RunKernel(ctx, 99) },
			want: "unknown kernel id 99",
		},
		{
			name: "rebind arity",
			fn: func(_ context.Context, s *Session) error {
				return s.ChangeKernelArguments(1, argIn)
			},
			want: "scale: expected 2 arguments, got 1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := newSim(sim.Config{})
			u := scaleUnit("", kernel.D1(4))
			u.Manipulator = tt.fn
			out, err := New(b).Run(context.Background(), scaleConfig(1), u)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if r := out.Result; r.Status != result.StatusLaunchFailed || r.Error != tt.want {
				t.Fatalf("result = %+v, want error %q", r, tt.want)
			}
			assertReleased(t, b)
		})
	}
}

func TestProgramCache(t *testing.T) {
	t.Parallel()

	b := newSim(sim.Config{})
	d := New(b, WithProgramCache())
	u := scaleUnit("", kernel.D1(4))
	for range 3 {
		if _, err := d.Run(context.Background(), scaleConfig(2), u); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if _, err := d.Run(context.Background(), scaleConfig(3), u); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if b.Compiles() != 2 || d.Cache().Hits() != 2 || d.Cache().Len() != 2 {
		t.Fatalf("compiles=%d hits=%d cached=%d", b.Compiles(), d.Cache().Hits(), d.Cache().Len())
	}
	if b.LivePrograms() != 2 {
		t.Fatalf("live programs = %d", b.LivePrograms())
	}
	if err := d.ClearCache(); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	assertReleased(t, b)
}

func TestProfiling(t *testing.T) {
	t.Parallel()

	b := newSim(sim.Config{Profiling: true})
	out, err := New(b, WithProfiling()).Run(context.Background(), scaleConfig(1), scaleUnit("", kernel.D1(4)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	p := out.Result.Profiling
	if len(p) != 1 || p[0].Counters["work_groups"] != 2 {
		t.Fatalf("profiling = %+v", p)
	}
}

func TestUnitValidate(t *testing.T) {
	t.Parallel()

	good := scaleUnit("", kernel.D1(4))
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	noKernels := good
	noKernels.Kernels = nil
	unknownArg := scaleUnit("", kernel.D1(4))
	unknownArg.Kernels[0].Arguments = []kernel.ArgumentID{argIn, 7}
	dupKernel := scaleUnit("", kernel.D1(4))
	dupKernel.Kernels = append(dupKernel.Kernels, dupKernel.Kernels[0])

	for name, u := range map[string]Unit{"no kernels": noKernels, "unknown argument": unknownArg, "duplicate kernel": dupKernel} {
		if err := u.Validate(); err == nil {
			t.Fatalf("%s: accepted", name)
		}
	}
}
