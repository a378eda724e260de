// Package runner executes tuning plans: it opens the devices a plan asks
// for, drives the tuner and records the session in the archive and metrics.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/ktune/internal/archive"
	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/backend/devices"
	"github.com/samcharles93/ktune/internal/logger"
	"github.com/samcharles93/ktune/internal/metrics"
	"github.com/samcharles93/ktune/internal/plan"
	"github.com/samcharles93/ktune/internal/result"
	"github.com/samcharles93/ktune/internal/tuner"
)

type Options struct {
	Logger logger.Logger
	// Archive and Metrics are optional.
	Archive *archive.Archive
	Metrics *metrics.Metrics
	// Backend, Devices and Workers override the plan's backend block when set.
	Backend string
	Devices int
	Workers int
	// Progress is the interval between progress logs. Zero keeps the tuner default.
	Progress time.Duration
	// Hooks observe every result after it is archived.
	Hooks []tuner.Hook
}

type Runner struct {
	opts Options
}

func New(opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	return &Runner{opts: opts}
}

// Run is a prepared session: devices are open and the session is archived
// as running.
type Run struct {
	Session  archive.Session
	Job      *plan.Job
	backends []backend.Backend
	tn       *tuner.Tuner
	rec      *archive.Recorder
	r        *Runner
}

// Prepare resolves p, opens its devices and creates the archived session.
func (r *Runner) Prepare(p *plan.Plan) (*Run, error) {
	job, err := p.Build()
	if err != nil {
		return nil, err
	}
	if err := job.Space.Validate(); err != nil {
		return nil, fmt.Errorf("plan %s: %w", p.Name, err)
	}

	name := p.Backend.Name
	if r.opts.Backend != "" {
		name = r.opts.Backend
	}
	devOpts := p.DeviceOptions()
	if r.opts.Devices > 0 {
		devOpts.Count = r.opts.Devices
	}
	if r.opts.Workers > 0 {
		devOpts.Workers = r.opts.Workers
	}
	bs, err := devices.Open(name, devOpts)
	if err != nil {
		return nil, fmt.Errorf("open %s devices: %w", name, err)
	}

	run := &Run{Job: job, backends: bs, r: r}
	log := r.opts.Logger.With("plan", p.Name)

	var hooks []tuner.Hook
	if r.opts.Archive != nil {
		infos := make([]backend.DeviceInfo, len(bs))
		for i, b := range bs {
			infos[i] = b.Device()
		}
		run.Session, err = r.opts.Archive.Create(archive.Session{
			Plan:     p.Name,
			Workload: p.Workload,
			Backend:  bs[0].Name(),
			Strategy: job.Config.Strategy.Name(),
			Policy:   job.Config.Policy,
			Metric:   job.Config.Metric,
			Devices:  infos,
			Total:    job.Space.Size(),
		})
		if err != nil {
			_ = devices.CloseAll(bs)
			return nil, err
		}
		run.rec = r.opts.Archive.Recorder(run.Session.ID)
		hooks = append(hooks, run.rec.Record)
		log = log.With("session", run.Session.ID)
	}
	if err := p.ConstraintErr(); err != nil {
		log.Warn("constraint evaluation failed, configurations pruned", "error", err)
	}
	if r.opts.Metrics != nil {
		hooks = append(hooks, r.opts.Metrics.Observe)
	}
	hooks = append(hooks, r.opts.Hooks...)

	topts := []tuner.Option{
		tuner.WithLogger(log),
		tuner.WithDispatchOptions(p.DispatchOptions()...),
	}
	for _, h := range hooks {
		topts = append(topts, tuner.WithResultHook(h))
	}
	if r.opts.Progress > 0 {
		topts = append(topts, tuner.WithProgressInterval(r.opts.Progress))
	}
	run.tn, err = tuner.New(bs, topts...)
	if err != nil {
		_ = devices.CloseAll(bs)
		return nil, err
	}
	return run, nil
}

// Execute tunes until the plan's stop condition, exhaustion, a fatal error
// or ctx cancellation, then finalizes the session and closes the devices.
func (run *Run) Execute(ctx context.Context) (*result.Store, error) {
	if m := run.r.opts.Metrics; m != nil {
		m.SessionStarted()
	}
	store, err := run.tn.Tune(ctx, run.Job.Space, run.Job.Unit, run.Job.Config)

	var errs []error
	if run.rec != nil {
		if rerr := run.rec.Err(); rerr != nil {
			errs = append(errs, rerr)
		}
		if _, ferr := run.r.opts.Archive.Finish(run.Session.ID, store, run.Job.Config.Metric, err); ferr != nil {
			errs = append(errs, ferr)
		}
	}
	if m := run.r.opts.Metrics; m != nil {
		m.SessionEnded(string(archive.StateFor(err)))
	}
	if cerr := run.release(); cerr != nil {
		errs = append(errs, cerr)
	}
	if len(errs) > 0 {
		run.r.opts.Logger.Warn("session bookkeeping failed", "session", run.Session.ID, "error", errors.Join(errs...))
	}
	return store, err
}

// Devices describes the open devices.
func (run *Run) Devices() []backend.DeviceInfo {
	return run.tn.Devices()
}

// Close releases the devices of a run that will not be executed.
func (run *Run) Close() error {
	if run.rec != nil {
		if _, err := run.r.opts.Archive.Finish(run.Session.ID, nil, run.Job.Config.Metric, context.Canceled); err != nil {
			return errors.Join(err, run.release())
		}
	}
	return run.release()
}

// release drops cached programs and golden outputs, then closes the devices.
func (run *Run) release() error {
	return errors.Join(run.tn.ClearCache(), devices.CloseAll(run.backends))
}
