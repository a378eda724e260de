package tuner

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/backend/sim"
	"github.com/samcharles93/ktune/internal/dispatch"
	"github.com/samcharles93/ktune/internal/kernel"
	"github.com/samcharles93/ktune/internal/logger"
	"github.com/samcharles93/ktune/internal/result"
	"github.com/samcharles93/ktune/internal/search"
	"github.com/samcharles93/ktune/internal/space"
	"github.com/samcharles93/ktune/internal/stop"
	"github.com/samcharles93/ktune/internal/validate"
)

const argOut kernel.ArgumentID = 1

// fill writes blockSize*unroll to every element.
func fill(wg backend.WorkGroup, args []*backend.HostBuffer) error {
	out := backend.HostSlice[float32](args[0])
	v := float32(wg.Defines.Int("blockSize", 0) * wg.Defines.Int("unroll", 1))
	if wg.Group.X == 0 {
		for i := range out {
			out[i] = v
		}
	}
	return nil
}

func benchSpace(t *testing.T, blockSizes ...int64) *space.Space {
	t.Helper()
	if len(blockSizes) == 0 {
		blockSizes = []int64{16, 32, 64}
	}
	s := space.New()
	if err := s.AddParameter("blockSize", space.Ints(blockSizes...)); err != nil {
		t.Fatalf("AddParameter: %v", err)
	}
	if err := s.AddParameter("unroll", space.Ints(1, 2)); err != nil {
		t.Fatalf("AddParameter: %v", err)
	}
	return s
}

func benchUnit() dispatch.Unit {
	return dispatch.Unit{
		ID:   1,
		Name: "bench",
		Kernels: []kernel.Spec{{
			ID:        1,
			Name:      "fill",
			Global:    kernel.D1(1024),
			Local:     kernel.D1(1),
			Arguments: []kernel.ArgumentID{argOut},
			Modifiers: []kernel.Modifier{{Param: "blockSize", Target: kernel.Local, Action: kernel.Multiply, Axis: kernel.AxisX}},
		}},
		Arguments: []kernel.Argument{kernel.NewVector(argOut, "out", kernel.WriteOnly, make([]float32, 16))},
	}
}

func newSim(cfg sim.Config) *sim.Backend {
	cfg.Kernels = backend.HostKernels{"fill": fill}
	return sim.New(cfg)
}

func newTuner(t *testing.T, bs []backend.Backend, opts ...Option) *Tuner {
	t.Helper()
	tu, err := New(bs, append([]Option{WithLogger(logger.Discard())}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tu
}

func keys(rs []result.Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Configuration.Key()
	}
	return out
}

func TestCountStopsInDeclaredOrder(t *testing.T) {
	t.Parallel()

	b := newSim(sim.Config{})
	store, err := newTuner(t, []backend.Backend{b}).Tune(context.Background(), benchSpace(t), benchUnit(), Config{Stop: stop.Count(3)})
	if err != nil {
		t.Fatalf("Tune: %v", err)
	}
	got := store.Results()
	want := []space.Configuration{
		space.NewConfiguration(space.Pair{Name: "blockSize", Value: space.Int(16)}, space.Pair{Name: "unroll", Value: space.Int(1)}),
		space.NewConfiguration(space.Pair{Name: "blockSize", Value: space.Int(16)}, space.Pair{Name: "unroll", Value: space.Int(2)}),
		space.NewConfiguration(space.Pair{Name: "blockSize", Value: space.Int(32)}, space.Pair{Name: "unroll", Value: space.Int(1)}),
	}
	if len(got) != len(want) {
		t.Fatalf("attempted %d configurations, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Configuration.Equal(want[i]) {
			t.Fatalf("attempt %d = %v, want %v", i, got[i].Configuration, want[i])
		}
		if !got[i].Ok() || got[i].Seq != i+1 {
			t.Fatalf("result %d = %+v", i, got[i])
		}
	}
}

func TestExhaustiveCountAttemptsEachOnce(t *testing.T) {
	t.Parallel()

	sp := benchSpace(t)
	store, err := newTuner(t, []backend.Backend{newSim(sim.Config{})}).Tune(context.Background(), sp, benchUnit(), Config{Stop: stop.Count(sp.Size())})
	if err != nil {
		t.Fatalf("Tune: %v", err)
	}
	got := keys(store.Results())
	var want []string
	for cfg := range sp.All() {
		want = append(want, cfg.Key())
	}
	if !slices.Equal(got, want) {
		t.Fatalf("attempted %v, want %v", got, want)
	}
}

func TestRunsAreDeterministic(t *testing.T) {
	t.Parallel()

	run := func() []string {
		store, err := newTuner(t, []backend.Backend{newSim(sim.Config{})}).Tune(context.Background(), benchSpace(t), benchUnit(), Config{})
		if err != nil {
			t.Fatalf("Tune: %v", err)
		}
		return keys(store.Results())
	}
	if a, b := run(), run(); !slices.Equal(a, b) {
		t.Fatalf("runs differ:\n%v\n%v", a, b)
	}
}

func TestFractionOneMatchesCountTotal(t *testing.T) {
	t.Parallel()

	sp := benchSpace(t)
	frac, err := stop.Fraction(1)
	if err != nil {
		t.Fatalf("Fraction: %v", err)
	}
	half, err := stop.Fraction(0.5)
	if err != nil {
		t.Fatalf("Fraction: %v", err)
	}
	tu := newTuner(t, []backend.Backend{newSim(sim.Config{})})
	byFraction, _ := tu.Tune(context.Background(), sp, benchUnit(), Config{Stop: frac})
	byCount, _ := tu.Tune(context.Background(), sp, benchUnit(), Config{Stop: stop.Count(sp.Size())})
	byHalf, _ := tu.Tune(context.Background(), sp, benchUnit(), Config{Stop: half})
	if byFraction.Len() != byCount.Len() || byFraction.Len() != 6 {
		t.Fatalf("fraction attempted %d, count attempted %d", byFraction.Len(), byCount.Len())
	}
	if byHalf.Len() != 3 {
		t.Fatalf("half attempted %d", byHalf.Len())
	}
}

func TestResourceLimitDoesNotAbort(t *testing.T) {
	t.Parallel()

	b := newSim(sim.Config{})
	store, err := newTuner(t, []backend.Backend{b}).Tune(context.Background(), benchSpace(t, 128, 512, 64), benchUnit(), Config{})
	if err != nil {
		t.Fatalf("Tune: %v", err)
	}
	rs := store.Results()
	if len(rs) != 6 {
		t.Fatalf("attempted %d configurations", len(rs))
	}
	for _, r := range rs {
		limited := r.Configuration.Int("blockSize", 0) == 512
		if limited != (r.Error == "resource limit exceeded") {
			t.Fatalf("result %v", r)
		}
		if limited && (r.Duration != 0 || r.Status != result.StatusLaunchFailed) {
			t.Fatalf("limited result = %+v", r)
		}
	}
	best, ok := store.Best(result.MetricDuration)
	if !ok || best.Configuration.Int("blockSize", 0) == 512 {
		t.Fatalf("best = %+v", best)
	}
}

func TestCompilationFailureNeverExecutes(t *testing.T) {
	t.Parallel()

	b := newSim(sim.Config{})
	u := benchUnit()
	u.Kernels[0].Source = "#error unsupported\n"
	store, err := newTuner(t, []backend.Backend{b}).Tune(context.Background(), benchSpace(t), u, Config{})
	if err != nil {
		t.Fatalf("Tune: %v", err)
	}
	if store.Len() != 6 || b.Launches() != 0 {
		t.Fatalf("results=%d launches=%d", store.Len(), b.Launches())
	}
	for _, r := range store.Results() {
		if r.Error != "unsupported" || r.Duration != 0 {
			t.Fatalf("result = %+v", r)
		}
	}
}

func TestReferenceComputedOncePerSession(t *testing.T) {
	t.Parallel()

	sp := space.New()
	ten := space.Ints(0, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	if err := sp.AddParameter("unroll", ten); err != nil {
		t.Fatal(err)
	}
	if err := sp.AddParameter("variant", ten); err != nil {
		t.Fatal(err)
	}
	u := benchUnit()
	u.Kernels[0].Modifiers = nil

	var calls atomic.Int32
	v := validate.New(validate.WithComparator(validate.Exact()))
	v.SetReference(u.ID, func(context.Context) (validate.Outputs, error) {
		calls.Add(1)
		return validate.Outputs{argOut: kernel.NewVector(argOut, "out", kernel.WriteOnly, make([]float32, 16))}, nil
	})

	store, err := newTuner(t, []backend.Backend{newSim(sim.Config{})}).Tune(context.Background(), sp, u, Config{Validator: v})
	if err != nil {
		t.Fatalf("Tune: %v", err)
	}
	if store.Len() != 100 {
		t.Fatalf("attempted %d", store.Len())
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("reference computed %d times", n)
	}
	for _, r := range store.Results() {
		// blockSize is undefined so fill writes zeros, matching the reference.
		if r.Correct == nil || !*r.Correct {
			t.Fatalf("result = %+v", r)
		}
	}
}

func TestIncorrectResultsFollowPolicy(t *testing.T) {
	t.Parallel()

	// Only (32, 2) and (64, 1) produce the golden value.
	golden := make([]float32, 16)
	for i := range golden {
		golden[i] = 64
	}
	v := validate.New(validate.WithComparator(validate.Exact()))
	v.SetReference(1, func(context.Context) (validate.Outputs, error) {
		return validate.Outputs{argOut: kernel.NewVector(argOut, "out", kernel.WriteOnly, golden)}, nil
	})

	for _, tt := range []struct {
		policy result.Policy
		want   string
	}{
		{result.ExcludeIncorrect, "(blockSize=32, unroll=2)"},
		{result.IncludeIncorrect, "(blockSize=16, unroll=1)"},
	} {
		b := newSim(sim.Config{Cost: func(_, local kernel.Dim, _ kernel.Defines) time.Duration {
			return time.Duration(local.Size()) * time.Microsecond
		}})
		store, err := newTuner(t, []backend.Backend{b}).Tune(context.Background(), benchSpace(t), benchUnit(), Config{Validator: v, Policy: tt.policy})
		if err != nil {
			t.Fatalf("Tune: %v", err)
		}
		best, ok := store.Best(result.MetricDuration)
		if !ok || best.Configuration.String() != tt.want {
			t.Fatalf("%s: best = %v, want %s", tt.policy, best.Configuration, tt.want)
		}
		if s := store.Summary(); s.Incorrect != 4 {
			t.Fatalf("%s: %d incorrect results", tt.policy, s.Incorrect)
		}
	}
}

func TestReferenceFailureAbortsSession(t *testing.T) {
	t.Parallel()

	v := validate.New()
	v.SetReference(1, func(context.Context) (validate.Outputs, error) {
		return nil, errors.New("golden data unavailable")
	})
	store, err := newTuner(t, []backend.Backend{newSim(sim.Config{})}).Tune(context.Background(), benchSpace(t), benchUnit(), Config{Validator: v})
	if !errors.Is(err, validate.ErrReference) {
		t.Fatalf("err = %v", err)
	}
	if store.Len() != 1 || store.Results()[0].Correct != nil {
		t.Fatalf("results = %v", store.Results())
	}
}

func TestFatalErrorReturnsPartialStore(t *testing.T) {
	t.Parallel()

	b := newSim(sim.Config{FatalAfter: 3})
	store, err := newTuner(t, []backend.Backend{b}).Tune(context.Background(), benchSpace(t), benchUnit(), Config{})
	if !errors.Is(err, backend.ErrFatal) {
		t.Fatalf("err = %v", err)
	}
	rs := store.Results()
	if len(rs) != 3 || rs[2].Status != result.StatusFatal || !rs[1].Ok() {
		t.Fatalf("results = %v", rs)
	}
	if b.LiveBuffers() != 0 || b.LivePrograms() != 0 {
		t.Fatalf("fatal attempt leaked resources")
	}
}

func TestCancellationBetweenAttempts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tu := newTuner(t, []backend.Backend{newSim(sim.Config{})}, WithResultHook(func(r result.Result) {
		if r.Seq == 2 {
			cancel()
		}
	}))
	store, err := tu.Tune(ctx, benchSpace(t), benchUnit(), Config{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("recorded %d results after cancellation", store.Len())
	}
}

func TestCancellationCompletesAttemptInFlight(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b := newSim(sim.Config{})
	u := benchUnit()
	scratch := kernel.NewVector(kernel.ArgumentID(2), "scratch", kernel.ReadWrite, make([]float32, 16))
	u.Arguments = append(u.Arguments, scratch)
	u.Manipulator = dispatch.ManipulatorFunc(func(ctx context.Context, s *dispatch.Session) error {
		if err := s.RunKernel(ctx, 1); err != nil {
			return err
		}
		cancel()
		if err := s.CreateBuffer(ctx, scratch); err != nil {
			return err
		}
		return s.Synchronize(ctx)
	})

	store, err := newTuner(t, []backend.Backend{b}).Tune(ctx, benchSpace(t), u, Config{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	rs := store.Results()
	if len(rs) != 1 {
		t.Fatalf("recorded %d results after cancellation", len(rs))
	}
	if !rs[0].Ok() || rs[0].Status != result.StatusOK {
		t.Fatalf("attempt in flight recorded as %s: %s", rs[0].Status, rs[0].Error)
	}
	if b.LiveBuffers() != 0 {
		t.Fatalf("attempt leaked %d buffers", b.LiveBuffers())
	}
}

func TestStrategySeesHistory(t *testing.T) {
	t.Parallel()

	var seen []int
	strategy := search.Func{Label: "watch", Fn: func(it *space.Iterator, history []result.Result) (space.Configuration, bool) {
		seen = append(seen, len(history))
		return it.Next()
	}}
	store, err := newTuner(t, []backend.Backend{newSim(sim.Config{})}).Tune(context.Background(), benchSpace(t), benchUnit(), Config{Strategy: strategy})
	if err != nil {
		t.Fatalf("Tune: %v", err)
	}
	if store.Len() != 6 || !slices.Equal(seen, []int{0, 1, 2, 3, 4, 5, 6}) {
		t.Fatalf("history lengths = %v", seen)
	}
}

func TestMultipleDevicesShareTheSpace(t *testing.T) {
	t.Parallel()

	devices := []*sim.Backend{newSim(sim.Config{}), newSim(sim.Config{}), newSim(sim.Config{})}
	bs := make([]backend.Backend, len(devices))
	for i, d := range devices {
		bs[i] = d
	}

	var mu sync.Mutex
	streamed := 0
	tu := newTuner(t, bs, WithResultHook(func(result.Result) {
		mu.Lock()
		streamed++
		mu.Unlock()
	}))
	sp := benchSpace(t, 16, 32, 64, 128, 256, 512, 8, 4)
	store, err := tu.Tune(context.Background(), sp, benchUnit(), Config{Strategy: search.Random(3)})
	if err != nil {
		t.Fatalf("Tune: %v", err)
	}
	got := keys(store.Results())
	slices.Sort(got)
	var want []string
	for cfg := range sp.All() {
		want = append(want, cfg.Key())
	}
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Fatalf("attempted %v, want every configuration once", got)
	}
	if streamed != len(want) {
		t.Fatalf("hook saw %d results", streamed)
	}
	launches := 0
	for _, d := range devices {
		launches += d.Launches()
		if d.LiveBuffers() != 0 {
			t.Fatalf("device leaked buffers")
		}
	}
	if launches != len(want) {
		t.Fatalf("launches = %d", launches)
	}
}

func TestEmptySpaceIsRejected(t *testing.T) {
	t.Parallel()

	sp := space.New()
	if err := sp.AddParameter("a", space.Ints(1, 2)); err != nil {
		t.Fatal(err)
	}
	if err := sp.AddConstraint(space.Constraint{Name: "never", Params: []string{"a"}, Fn: func([]space.Value) bool { return false }}); err != nil {
		t.Fatal(err)
	}
	store, err := newTuner(t, []backend.Backend{newSim(sim.Config{})}).Tune(context.Background(), sp, benchUnit(), Config{})
	if !errors.Is(err, space.ErrEmptySpace) || store != nil {
		t.Fatalf("store = %v, err = %v", store, err)
	}
}

func TestClearCacheReleasesPrograms(t *testing.T) {
	t.Parallel()

	b := newSim(sim.Config{})
	tu := newTuner(t, []backend.Backend{b}, WithDispatchOptions(dispatch.WithProgramCache()))
	if _, err := tu.Tune(context.Background(), benchSpace(t), benchUnit(), Config{}); err != nil {
		t.Fatalf("Tune: %v", err)
	}
	if b.LivePrograms() != 6 {
		t.Fatalf("cached programs = %d", b.LivePrograms())
	}
	if _, err := tu.Tune(context.Background(), benchSpace(t), benchUnit(), Config{}); err != nil {
		t.Fatalf("Tune: %v", err)
	}
	if b.Compiles() != 6 {
		t.Fatalf("second session recompiled: %d compiles", b.Compiles())
	}
	if err := tu.ClearCache(); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if b.LivePrograms() != 0 {
		t.Fatalf("live programs after ClearCache = %d", b.LivePrograms())
	}
}

func TestNewRequiresDevices(t *testing.T) {
	t.Parallel()

	if _, err := New(nil); err == nil {
		t.Fatalf("New accepted no devices")
	}
}
