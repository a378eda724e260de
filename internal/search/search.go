// Package search orders the configurations a session attempts.
package search

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/samcharles93/ktune/internal/result"
	"github.com/samcharles93/ktune/internal/space"
)

// Strategy picks the next configuration to attempt. history holds the
// results recorded so far, in order. Implementations need not be safe for
// concurrent use; the tuner serializes calls.
type Strategy interface {
	Name() string
	Next(it *space.Iterator, history []result.Result) (space.Configuration, bool)
}

// Func adapts a function to Strategy.
type Func struct {
	Label string
	Fn    func(it *space.Iterator, history []result.Result) (space.Configuration, bool)
}

func (f Func) Name() string { return f.Label }

func (f Func) Next(it *space.Iterator, history []result.Result) (space.Configuration, bool) {
	return f.Fn(it, history)
}

type exhaustive struct{}

// Exhaustive walks the space in enumeration order.
func Exhaustive() Strategy { return exhaustive{} }

func (exhaustive) Name() string { return "exhaustive" }

func (exhaustive) Next(it *space.Iterator, _ []result.Result) (space.Configuration, bool) {
	return it.Next()
}

type random struct {
	seed    uint64
	it      *space.Iterator
	pending []space.Configuration
}

// Random visits every configuration once in an order fixed by seed.
func Random(seed uint64) Strategy {
	return &random{seed: seed}
}

func (r *random) Name() string { return fmt.Sprintf("random(seed=%d)", r.seed) }

func (r *random) Next(it *space.Iterator, _ []result.Result) (space.Configuration, bool) {
	if r.it != it {
		r.it = it
		r.pending = r.pending[:0]
		for cfg, ok := it.Next(); ok; cfg, ok = it.Next() {
			r.pending = append(r.pending, cfg)
		}
		rng := rand.New(rand.NewPCG(r.seed, r.seed^0x9e3779b97f4a7c15))
		rng.Shuffle(len(r.pending), func(i, j int) {
			r.pending[i], r.pending[j] = r.pending[j], r.pending[i]
		})
	}
	if len(r.pending) == 0 {
		return space.Configuration{}, false
	}
	cfg := r.pending[0]
	r.pending = r.pending[1:]
	return cfg, true
}

// Parse builds a strategy from its name: "exhaustive" (or "full") and "random".
func Parse(name string, seed uint64) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "exhaustive", "full":
		return Exhaustive(), nil
	case "random":
		return Random(seed), nil
	default:
		return nil, fmt.Errorf("unknown search strategy %q (expected exhaustive or random)", name)
	}
}
