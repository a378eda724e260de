// Package stop holds the policies that decide when a tuning session ends.
package stop

import (
	"fmt"
	"strings"
	"time"
)

// State is the search progress a condition is evaluated against.
type State struct {
	Attempted int
	Elapsed   time.Duration
	// Total is the number of legal configurations in the space.
	Total int
}

// Condition is checked between attempts only.
type Condition interface {
	Fulfilled(State) bool
	Status(State) string
}

type count struct{ n int }

// Count is fulfilled once n configurations were attempted.
func Count(n int) Condition { return count{n: n} }

func (c count) Fulfilled(s State) bool { return s.Attempted >= c.n }

func (c count) Status(s State) string {
	return fmt.Sprintf("attempted %d/%d configurations", s.Attempted, c.n)
}

type duration struct{ d time.Duration }

// Duration is fulfilled once the session has been running for at least d.
func Duration(d time.Duration) Condition { return duration{d: d} }

func (c duration) Fulfilled(s State) bool {
	return s.Elapsed >= c.d
}

func (c duration) Status(s State) string {
	left := max(c.d-s.Elapsed, 0)
	return fmt.Sprintf("elapsed %s, %s remaining", s.Elapsed.Round(time.Millisecond), left.Round(time.Millisecond))
}

type fraction struct{ f float64 }

// Fraction is fulfilled once attempted/total >= f. Fraction(1) behaves like
// Count(total).
func Fraction(f float64) (Condition, error) {
	if f <= 0 || f > 1 {
		return nil, fmt.Errorf("stop: fraction %g out of range (0, 1]", f)
	}
	return fraction{f: f}, nil
}

func (c fraction) Fulfilled(s State) bool {
	if s.Total == 0 {
		return true
	}
	return float64(s.Attempted)/float64(s.Total) >= c.f
}

func (c fraction) Status(s State) string {
	if s.Total == 0 {
		return "explored 100.0% of an empty space"
	}
	return fmt.Sprintf("explored %.1f%% of %d configurations (target %.1f%%)",
		100*float64(s.Attempted)/float64(s.Total), s.Total, 100*c.f)
}

type custom struct {
	desc string
	fn   func(State) bool
}

// Custom wraps a caller predicate over the search state.
func Custom(desc string, fn func(State) bool) Condition {
	return custom{desc: desc, fn: fn}
}

func (c custom) Fulfilled(s State) bool { return c.fn(s) }

func (c custom) Status(s State) string {
	return fmt.Sprintf("%s (attempted %d)", c.desc, s.Attempted)
}

type anyOf []Condition

// Any is fulfilled as soon as one of conds is. With no conditions it never
// is, and the session runs until the strategy has nothing left.
func Any(conds ...Condition) Condition {
	if len(conds) == 1 {
		return conds[0]
	}
	return anyOf(conds)
}

func (a anyOf) Fulfilled(s State) bool {
	for _, c := range a {
		if c.Fulfilled(s) {
			return true
		}
	}
	return false
}

func (a anyOf) Status(s State) string {
	if len(a) == 0 {
		return fmt.Sprintf("attempted %d/%d configurations", s.Attempted, s.Total)
	}
	parts := make([]string, len(a))
	for i, c := range a {
		parts[i] = c.Status(s)
	}
	return strings.Join(parts, "; ")
}
