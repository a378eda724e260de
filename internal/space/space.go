// Package space declares tunable parameters and their legality constraints
// and enumerates the legal configurations in a fixed order.
//
// Enumeration is lexicographic by parameter declaration order, then by each
// parameter's domain order. A constraint is checked as soon as every
// parameter it references has been assigned, so illegal branches are pruned
// before the rest of the cross-product is generated.
package space

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
)

var (
	// ErrEmptySpace is returned when the constraints exclude every configuration.
	ErrEmptySpace = errors.New("configuration space is empty")
	// ErrFrozen is returned when declaring into a space that was already enumerated.
	ErrFrozen = errors.New("configuration space is frozen")

	ErrDuplicateParameter = errors.New("duplicate parameter")
	ErrUnknownParameter   = errors.New("unknown parameter")
	ErrEmptyDomain        = errors.New("parameter domain is empty")
)

// Parameter is a named, finite, ordered domain.
type Parameter struct {
	Name   string
	Values []Value
}

// Predicate receives the values of a constraint's parameters in the order
// they were listed in Constraint.Params.
type Predicate func(values []Value) bool

// Constraint restricts combinations of parameter values.
type Constraint struct {
	Name   string
	Params []string
	Fn     Predicate
}

type boundConstraint struct {
	Constraint
	indices []int
}

// Space owns the parameter set and constraints. It is built once before a
// search and becomes immutable on first use.
type Space struct {
	mu          sync.Mutex
	params      []Parameter
	index       map[string]int
	constraints []boundConstraint
	// byDepth[d] lists the constraints whose last parameter is params[d].
	byDepth [][]int
	frozen  bool

	sizeOnce sync.Once
	size     int
}

// New returns an empty space.
func New() *Space {
	return &Space{index: make(map[string]int)}
}

// AddParameter declares a parameter. Any constraints passed along are added
// after the parameter, so they may reference it.
func (s *Space) AddParameter(name string, domain []Value, constraints ...Constraint) error {
	s.mu.Lock()
	if s.frozen {
		s.mu.Unlock()
		return ErrFrozen
	}
	if name == "" {
		s.mu.Unlock()
		return fmt.Errorf("space: parameter name is required")
	}
	if _, ok := s.index[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("space: %w: %s", ErrDuplicateParameter, name)
	}
	if len(domain) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("space: %w: %s", ErrEmptyDomain, name)
	}
	s.index[name] = len(s.params)
	s.params = append(s.params, Parameter{Name: name, Values: slices.Clone(domain)})
	s.byDepth = append(s.byDepth, nil)
	s.mu.Unlock()

	for _, c := range constraints {
		if err := s.AddConstraint(c); err != nil {
			return err
		}
	}
	return nil
}

// AddConstraint registers a constraint over already declared parameters.
func (s *Space) AddConstraint(c Constraint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	if c.Fn == nil {
		return fmt.Errorf("space: constraint %q has no predicate", c.Name)
	}
	if len(c.Params) == 0 {
		return fmt.Errorf("space: constraint %q references no parameters", c.Name)
	}
	indices := make([]int, len(c.Params))
	depth := 0
	for i, name := range c.Params {
		idx, ok := s.index[name]
		if !ok {
			return fmt.Errorf("space: constraint %q: %w: %s", c.Name, ErrUnknownParameter, name)
		}
		indices[i] = idx
		depth = max(depth, idx)
	}
	c.Params = slices.Clone(c.Params)
	s.constraints = append(s.constraints, boundConstraint{Constraint: c, indices: indices})
	s.byDepth[depth] = append(s.byDepth[depth], len(s.constraints)-1)
	return nil
}

// Parameters returns a copy of the declared parameters.
func (s *Space) Parameters() []Parameter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Parameter, len(s.params))
	for i, p := range s.params {
		out[i] = Parameter{Name: p.Name, Values: slices.Clone(p.Values)}
	}
	return out
}

func (s *Space) freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Size returns the number of legal configurations. It is computed once.
func (s *Space) Size() int {
	s.freeze()
	s.sizeOnce.Do(func() {
		it := s.Enumerate()
		n := 0
		for it.advance() {
			n++
		}
		s.size = n
	})
	return s.size
}

// Validate fails with ErrEmptySpace when no configuration is legal.
func (s *Space) Validate() error {
	if s.Size() == 0 {
		return ErrEmptySpace
	}
	return nil
}

// Enumerate returns a lazy, restartable iterator over the legal configurations.
func (s *Space) Enumerate() *Iterator {
	s.freeze()
	it := &Iterator{
		s:    s,
		idx:  make([]int, len(s.params)),
		vals: make([]Value, len(s.params)),
	}
	it.Reset()
	return it
}

// All yields every legal configuration in enumeration order.
func (s *Space) All() iter.Seq[Configuration] {
	return func(yield func(Configuration) bool) {
		it := s.Enumerate()
		for {
			cfg, ok := it.Next()
			if !ok || !yield(cfg) {
				return
			}
		}
	}
}

// IsLegal re-checks a configuration: every declared parameter must be
// assigned, in order, to a value of its domain, and all constraints must hold.
func (s *Space) IsLegal(cfg Configuration) bool {
	if cfg.Len() != len(s.params) {
		return false
	}
	vals := make([]Value, len(s.params))
	for i, p := range cfg.pairs {
		param := s.params[i]
		if p.Name != param.Name {
			return false
		}
		if !slices.ContainsFunc(param.Values, p.Value.Equal) {
			return false
		}
		vals[i] = p.Value
	}
	for _, c := range s.constraints {
		if !c.eval(vals) {
			return false
		}
	}
	return true
}

func (s *Space) checkDepth(depth int, vals []Value) bool {
	for _, ci := range s.byDepth[depth] {
		if !s.constraints[ci].eval(vals) {
			return false
		}
	}
	return true
}

func (c boundConstraint) eval(vals []Value) bool {
	args := make([]Value, len(c.indices))
	for i, idx := range c.indices {
		args[i] = vals[idx]
	}
	return c.Fn(args)
}

// Iterator walks the legal configurations depth-first. It is not safe for
// concurrent use.
type Iterator struct {
	s       *Space
	idx     []int
	vals    []Value
	started bool
	done    bool
}

// Reset rewinds the iterator to the first configuration.
func (it *Iterator) Reset() {
	for i := range it.idx {
		it.idx[i] = -1
	}
	it.started = false
	it.done = false
}

// Next returns the next legal configuration, or false once exhausted.
func (it *Iterator) Next() (Configuration, bool) {
	if !it.advance() {
		return Configuration{}, false
	}
	pairs := make([]Pair, len(it.vals))
	for i, v := range it.vals {
		pairs[i] = Pair{Name: it.s.params[i].Name, Value: v}
	}
	return Configuration{pairs: pairs}, true
}

func (it *Iterator) advance() bool {
	if it.done {
		return false
	}
	n := len(it.s.params)
	if n == 0 {
		// A space without parameters has exactly one, empty, configuration.
		if it.started {
			it.done = true
			return false
		}
		it.started = true
		return true
	}

	d := n - 1
	if !it.started {
		it.started = true
		d = 0
	}
	for d >= 0 {
		param := it.s.params[d]
		it.idx[d]++
		if it.idx[d] >= len(param.Values) {
			it.idx[d] = -1
			d--
			continue
		}
		it.vals[d] = param.Values[it.idx[d]]
		if !it.s.checkDepth(d, it.vals) {
			continue
		}
		if d == n-1 {
			return true
		}
		d++
	}
	it.done = true
	return false
}
