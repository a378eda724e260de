// Package tuner drives the search loop: it pulls configurations from a
// strategy until a stop condition holds, dispatches each one on a device,
// validates the outputs and records exactly one result per attempt.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/dispatch"
	"github.com/samcharles93/ktune/internal/logger"
	"github.com/samcharles93/ktune/internal/result"
	"github.com/samcharles93/ktune/internal/search"
	"github.com/samcharles93/ktune/internal/space"
	"github.com/samcharles93/ktune/internal/stop"
	"github.com/samcharles93/ktune/internal/validate"
)

// Config describes one tuning session.
type Config struct {
	// Stop is nil to run until the strategy is exhausted.
	Stop stop.Condition
	// Strategy is nil for exhaustive search.
	Strategy search.Strategy
	// Validator is nil to skip validation.
	Validator *validate.Validator
	Policy    result.Policy
	Metric    result.Metric
}

// Hook observes every recorded result. Hooks run on the device goroutine
// that produced the result.
type Hook func(result.Result)

type Option func(*Tuner)

func WithLogger(l logger.Logger) Option {
	return func(t *Tuner) { t.log = l }
}

// WithResultHook streams results as they are recorded.
func WithResultHook(h Hook) Option {
	return func(t *Tuner) { t.hooks = append(t.hooks, h) }
}

// WithDispatchOptions applies options to every device's dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(t *Tuner) { t.dispatchOpts = append(t.dispatchOpts, opts...) }
}

// WithProgressInterval sets how often a progress line is logged.
func WithProgressInterval(d time.Duration) Option {
	return func(t *Tuner) { t.progressEvery = d }
}

type Tuner struct {
	log           logger.Logger
	hooks         []Hook
	dispatchOpts  []dispatch.Option
	progressEvery time.Duration
	dispatchers   []*dispatch.Dispatcher

	mu         sync.Mutex
	validators []*validate.Validator
}

// New creates a tuner with one dispatcher per backend device.
func New(backends []backend.Backend, opts ...Option) (*Tuner, error) {
	if len(backends) == 0 {
		return nil, errors.New("tuner: no backend devices")
	}
	t := &Tuner{
		log:           logger.Default(),
		progressEvery: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, b := range backends {
		t.dispatchers = append(t.dispatchers, dispatch.New(b, t.dispatchOpts...))
	}
	return t, nil
}

// Devices lists the devices the tuner dispatches to.
func (t *Tuner) Devices() []backend.DeviceInfo {
	out := make([]backend.DeviceInfo, len(t.dispatchers))
	for i, d := range t.dispatchers {
		out[i] = d.Backend().Device()
	}
	return out
}

// ClearCache releases retained programs and golden outputs of earlier sessions.
func (t *Tuner) ClearCache() error {
	var errs []error
	for _, d := range t.dispatchers {
		if err := d.ClearCache(); err != nil {
			errs = append(errs, err)
		}
	}
	t.mu.Lock()
	for _, v := range t.validators {
		v.Clear()
	}
	t.validators = nil
	t.mu.Unlock()
	return errors.Join(errs...)
}

// loop is the search state shared by all devices of a session.
type loop struct {
	mu        sync.Mutex
	cond      stop.Condition
	strategy  search.Strategy
	it        *space.Iterator
	store     *result.Store
	start     time.Time
	total     int
	attempted int
	reason    string
}

func (l *loop) state() stop.State {
	return stop.State{Attempted: l.attempted, Elapsed: time.Since(l.start), Total: l.total}
}

// next hands out the next configuration, or false once the session is over.
func (l *loop) next() (space.Configuration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reason != "" {
		return space.Configuration{}, false
	}
	if st := l.state(); l.cond != nil && l.cond.Fulfilled(st) {
		l.reason = l.cond.Status(st)
		return space.Configuration{}, false
	}
	cfg, ok := l.strategy.Next(l.it, l.store.History())
	if !ok {
		l.reason = "search space exhausted"
		return space.Configuration{}, false
	}
	l.attempted++
	return cfg, true
}

// Tune runs a session over sp for u. The store is returned even when the
// session ends early: on a fatal backend error, a failed reference or
// cancellation it holds every result recorded until then.
func (t *Tuner) Tune(ctx context.Context, sp *space.Space, u dispatch.Unit, cfg Config) (*result.Store, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if err := sp.Validate(); err != nil {
		return nil, err
	}
	if cfg.Strategy == nil {
		cfg.Strategy = search.Exhaustive()
	}
	if cfg.Validator != nil {
		t.mu.Lock()
		t.validators = append(t.validators, cfg.Validator)
		t.mu.Unlock()
	}

	l := &loop{
		cond:     cfg.Stop,
		strategy: cfg.Strategy,
		it:       sp.Enumerate(),
		store:    result.NewStore(cfg.Policy),
		start:    time.Now(),
		total:    sp.Size(),
	}
	log := t.log.With("kernel", u.Name)
	log.Info("tuning started",
		"configurations", l.total,
		"strategy", cfg.Strategy.Name(),
		"devices", len(t.dispatchers),
	)

	progress := &rate.Sometimes{Interval: t.progressEvery}
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range t.dispatchers {
		dlog := log.With("device", d.Backend().Device().Index)
		g.Go(func() error {
			for {
				// Cancellation is only observed here. The attempt itself runs
				// detached so the configuration in flight always completes.
				if err := gctx.Err(); err != nil {
					return err
				}
				c, ok := l.next()
				if !ok {
					return nil
				}
				if err := t.attempt(context.WithoutCancel(ctx), d, c, u, cfg.Validator, l.store, dlog); err != nil {
					return err
				}
				progress.Do(func() {
					st := l.progressState()
					args := []any{"attempted", st.Attempted, "total", st.Total, "elapsed", st.Elapsed.Round(time.Millisecond)}
					if best, ok := l.store.Best(cfg.Metric); ok {
						args = append(args, "best", best.Configuration.String(), cfg.Metric.String(), cfg.Metric.Of(best))
					}
					log.Info("progress", args...)
				})
			}
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	sum := l.store.Summary()
	args := []any{
		"attempted", sum.Attempted,
		"failed", sum.CompilationFailed + sum.LaunchFailed + sum.Fatal,
		"incorrect", sum.Incorrect,
		"elapsed", time.Since(l.start).Round(time.Millisecond),
	}
	if l.reason != "" {
		args = append(args, "reason", l.reason)
	}
	if best, ok := l.store.Best(cfg.Metric); ok {
		args = append(args, "best", best.Configuration.String(), cfg.Metric.String(), cfg.Metric.Of(best))
	}
	if err != nil {
		log.Warn("tuning stopped", append(args, "error", err)...)
		return l.store, err
	}
	log.Info("tuning finished", args...)
	return l.store, nil
}

func (l *loop) progressState() stop.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state()
}

func (t *Tuner) attempt(ctx context.Context, d *dispatch.Dispatcher, c space.Configuration, u dispatch.Unit, v *validate.Validator, store *result.Store, log logger.Logger) error {
	out, err := d.Run(ctx, c, u)
	r := out.Result

	var refErr error
	if err == nil && r.Ok() && v != nil && v.HasReference(u.ID) {
		verdict, verr := v.Validate(ctx, u.ID, out.Outputs)
		if verr != nil {
			refErr = verr
		} else {
			r.SetVerdict(verdict.Correct, verdict.Reason)
		}
	}
	r = store.Append(r)

	switch {
	case !r.Ok():
		log.Debug("attempt failed", "seq", r.Seq, "configuration", r.Configuration.String(), "status", r.Status, "error", r.Error)
	case r.Incorrect():
		log.Debug("attempt incorrect", "seq", r.Seq, "configuration", r.Configuration.String(), "duration", r.Duration, "mismatch", r.Mismatch)
	default:
		log.Debug("attempt", "seq", r.Seq, "configuration", r.Configuration.String(), "duration", r.Duration)
	}
	for _, h := range t.hooks {
		h(r)
	}

	if err != nil {
		return fmt.Errorf("device %d: %w", r.Device, err)
	}
	return refErr
}
