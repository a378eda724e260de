package plan

import (
	"fmt"
	"slices"

	"github.com/samcharles93/ktune/internal/backend/devices"
	"github.com/samcharles93/ktune/internal/dispatch"
	"github.com/samcharles93/ktune/internal/kernel"
	"github.com/samcharles93/ktune/internal/result"
	"github.com/samcharles93/ktune/internal/search"
	"github.com/samcharles93/ktune/internal/space"
	"github.com/samcharles93/ktune/internal/tuner"
	"github.com/samcharles93/ktune/internal/validate"
	"github.com/samcharles93/ktune/internal/workload"
)

// Job is a plan resolved against its workload, ready for tuner.Tune.
type Job struct {
	Plan     *Plan
	Workload *workload.Workload
	Space    *space.Space
	Unit     dispatch.Unit
	Config   tuner.Config
}

// Build resolves the workload, applies the plan's geometry overrides and
// assembles the search, stop and validation settings.
func (p *Plan) Build() (*Job, error) {
	w, err := workload.Build(p.Workload, workload.Options{Size: p.Size, Seed: p.Seed})
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", p.Name, err)
	}

	u := w.Unit
	u.Name = p.Name
	u.Kernels = slices.Clone(u.Kernels)
	k := &u.Kernels[0]
	if p.Global != nil {
		k.Global = *p.Global
	}
	if p.Local != nil {
		k.Local = *p.Local
	}
	if len(p.Modifiers) > 0 {
		k.Modifiers = slices.Clone(p.Modifiers)
	}

	sp := p.Space
	if sp == nil {
		if sp, err = w.Space(); err != nil {
			return nil, fmt.Errorf("plan %s: default space: %w", p.Name, err)
		}
	}
	for _, m := range k.Modifiers {
		if !slices.ContainsFunc(sp.Parameters(), func(prm space.Parameter) bool { return prm.Name == m.Param }) {
			return nil, fmt.Errorf("plan %s: modifier references undeclared parameter %q", p.Name, m.Param)
		}
	}

	strategy, err := search.Parse(p.Strategy, p.SearchSeed)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", p.Name, err)
	}

	cfg := tuner.Config{
		Stop:     p.Stop,
		Strategy: strategy,
		Policy:   result.ExcludeIncorrect,
		Metric:   p.Metric,
	}
	if p.Validation != nil {
		v, err := p.validator(w, k.ID)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", p.Name, err)
		}
		cfg.Validator = v
		if !p.Validation.ExcludeIncorrect {
			cfg.Policy = result.IncludeIncorrect
		}
	}

	return &Job{Plan: p, Workload: w, Space: sp, Unit: u, Config: cfg}, nil
}

func (p *Plan) validator(w *workload.Workload, id kernel.ID) (*validate.Validator, error) {
	cmp, err := validate.ParseMethod(p.Validation.Method, p.Validation.Tolerance)
	if err != nil {
		return nil, err
	}
	if p.Validation.Range > 0 {
		cmp = validate.WithRange(p.Validation.Range, cmp)
	}
	ids := w.Outputs
	if len(p.Validation.Arguments) > 0 {
		ids = make([]kernel.ArgumentID, 0, len(p.Validation.Arguments))
		for _, name := range p.Validation.Arguments {
			a, ok := w.Argument(name)
			if !ok {
				return nil, fmt.Errorf("validation: unknown argument %q", name)
			}
			if !a.Access.Writable() {
				return nil, fmt.Errorf("validation: argument %q is read-only", name)
			}
			ids = append(ids, a.ID)
		}
	}
	v := validate.New(validate.WithComparator(cmp))
	v.SetReference(id, w.Reference, ids...)
	return v, nil
}

// DispatchOptions returns the dispatcher options the backend block enables.
func (p *Plan) DispatchOptions() []dispatch.Option {
	var opts []dispatch.Option
	if p.Backend.ProgramCache {
		opts = append(opts, dispatch.WithProgramCache())
	}
	if p.Backend.Profiling {
		opts = append(opts, dispatch.WithProfiling())
	}
	return opts
}

// DeviceOptions returns the options for devices.Open.
func (p *Plan) DeviceOptions() devices.Options {
	return devices.Options{
		Count:   p.Backend.Devices,
		Workers: p.Backend.Workers,
		Kernels: workload.HostKernels(),
	}
}
