// Package result records the outcome of every attempted configuration and
// answers best-so-far queries.
package result

import (
	"fmt"
	"time"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/kernel"
	"github.com/samcharles93/ktune/internal/space"
)

type Status string

const (
	StatusOK                Status = "ok"
	StatusCompilationFailed Status = "compilation_failed"
	StatusLaunchFailed      Status = "launch_failed"
	StatusFatal             Status = "fatal"
)

// KernelCompilation is the build metadata of one kernel of a composition.
type KernelCompilation struct {
	Kernel string `json:"kernel"`
	backend.CompilationData
}

// KernelProfiling holds the counters of one kernel of a composition.
type KernelProfiling struct {
	Kernel string `json:"kernel"`
	backend.ProfilingData
}

// Result is the outcome of one attempted configuration. Duration is set if
// and only if Error is empty.
type Result struct {
	Seq           int                 `json:"seq"`
	Kernel        string              `json:"kernel"`
	KernelID      kernel.ID           `json:"kernel_id"`
	Configuration space.Configuration `json:"configuration"`
	Duration      time.Duration       `json:"duration_ns,omitempty"`
	// Overhead is host time spent by a manipulator outside kernel launches.
	Overhead    time.Duration       `json:"overhead_ns,omitempty"`
	Compilation []KernelCompilation `json:"compilation,omitempty"`
	Profiling   []KernelProfiling   `json:"profiling,omitempty"`
	Status      Status              `json:"status"`
	Error       string              `json:"error,omitempty"`
	// Correct is nil when the result was not validated.
	Correct  *bool  `json:"correct,omitempty"`
	Mismatch string `json:"mismatch,omitempty"`
	Device   int    `json:"device"`
}

// Ok reports whether the attempt compiled and ran.
func (r Result) Ok() bool { return r.Error == "" }

// Total is kernel time plus manipulator overhead.
func (r Result) Total() time.Duration { return r.Duration + r.Overhead }

// Incorrect reports a result that was validated and failed.
func (r Result) Incorrect() bool { return r.Correct != nil && !*r.Correct }

// Fail records err on r and clears timing data.
func (r *Result) Fail(status Status, err error) {
	r.Status = status
	r.Error = err.Error()
	r.Duration = 0
	r.Overhead = 0
	r.Profiling = nil
}

// SetVerdict records a validation outcome.
func (r *Result) SetVerdict(correct bool, mismatch string) {
	r.Correct = &correct
	r.Mismatch = mismatch
}

func (r Result) String() string {
	switch {
	case !r.Ok():
		return fmt.Sprintf("#%d %s %v: %s (%s)", r.Seq, r.Kernel, r.Configuration, r.Status, r.Error)
	case r.Incorrect():
		return fmt.Sprintf("#%d %s %v: %s, incorrect: %s", r.Seq, r.Kernel, r.Configuration, r.Duration, r.Mismatch)
	default:
		return fmt.Sprintf("#%d %s %v: %s", r.Seq, r.Kernel, r.Configuration, r.Duration)
	}
}

// Metric selects what Best minimizes.
type Metric int

const (
	MetricDuration Metric = iota
	MetricTotal
)

func (m Metric) String() string {
	if m == MetricTotal {
		return "total"
	}
	return "duration"
}

// Of returns the value of m for r.
func (m Metric) Of(r Result) time.Duration {
	if m == MetricTotal {
		return r.Total()
	}
	return r.Duration
}

func (m Metric) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Metric) UnmarshalText(b []byte) error {
	v, err := ParseMetric(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMetric accepts "duration" and "total".
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "", "duration":
		return MetricDuration, nil
	case "total":
		return MetricTotal, nil
	default:
		return 0, fmt.Errorf("unknown metric %q (expected duration or total)", s)
	}
}

// Policy decides whether incorrect results may be selected as best.
type Policy int

const (
	ExcludeIncorrect Policy = iota
	IncludeIncorrect
)

func (p Policy) String() string {
	if p == IncludeIncorrect {
		return "include_incorrect"
	}
	return "exclude_incorrect"
}

// ParsePolicy accepts "exclude_incorrect" and "include_incorrect".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "exclude_incorrect":
		return ExcludeIncorrect, nil
	case "include_incorrect":
		return IncludeIncorrect, nil
	default:
		return 0, fmt.Errorf("unknown policy %q (expected exclude_incorrect or include_incorrect)", s)
	}
}

func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}
