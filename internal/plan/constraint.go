package plan

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"

	"github.com/samcharles93/ktune/internal/space"
)

// evalErrors keeps the first evaluation failure of each constraint. A
// configuration whose condition fails to evaluate is pruned.
type evalErrors struct {
	mu   sync.Mutex
	seen map[string]bool
	errs []error
}

func (e *evalErrors) record(name string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seen[name] {
		return
	}
	if e.seen == nil {
		e.seen = make(map[string]bool)
	}
	e.seen[name] = true
	e.errs = append(e.errs, fmt.Errorf("plan: constraint %q: %w", name, err))
}

func (e *evalErrors) err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}

// decodeConstraint turns a condition expression into a space constraint. The
// parameters it depends on are the roots of the expression's variable
// traversals, ordered by declaration.
func decodeConstraint(cb constraintBlock, declared []space.Parameter, failures *evalErrors) (space.Constraint, error) {
	order := make(map[string]int, len(declared))
	for i, p := range declared {
		order[p.Name] = i
	}

	seen := make(map[string]bool)
	var params []string
	for _, tr := range cb.Condition.Variables() {
		name := tr.RootName()
		if _, ok := order[name]; !ok {
			r := tr.SourceRange()
			return space.Constraint{}, fmt.Errorf("plan: constraint %q (%s): unknown parameter %q", cb.Name, r.String(), name)
		}
		if !seen[name] {
			seen[name] = true
			params = append(params, name)
		}
	}
	if len(params) == 0 {
		return space.Constraint{}, fmt.Errorf("plan: constraint %q references no parameters", cb.Name)
	}
	slices.SortFunc(params, func(a, b string) int { return order[a] - order[b] })

	expr := cb.Condition
	names := slices.Clone(params)
	fn := func(values []space.Value) bool {
		vars := make(map[string]cty.Value, len(names))
		for i, name := range names {
			vars[name] = toCty(values[i])
		}
		ok, err := evalCondition(expr, vars)
		if err != nil {
			failures.record(cb.Name, fmt.Errorf("%s: %w", describe(names, values), err))
			return false
		}
		return ok
	}
	c := space.Constraint{Name: cb.Name, Params: params, Fn: fn}

	// Type errors against the first value of every parameter fail the load.
	first := make(map[string]cty.Value, len(params))
	for _, name := range params {
		first[name] = toCty(declared[order[name]].Values[0])
	}
	if _, err := evalCondition(expr, first); err != nil {
		return space.Constraint{}, fmt.Errorf("plan: constraint %q: %w", cb.Name, err)
	}
	return c, nil
}

func describe(names []string, values []space.Value) string {
	pairs := make([]space.Pair, len(names))
	for i, name := range names {
		pairs[i] = space.Pair{Name: name, Value: values[i]}
	}
	return space.NewConfiguration(pairs...).String()
}

func evalCondition(expr hcl.Expression, vars map[string]cty.Value) (bool, error) {
	v, diags := expr.Value(&hcl.EvalContext{Variables: vars})
	if diags.HasErrors() {
		return false, diags
	}
	if v.IsNull() || !v.IsKnown() || v.Type() != cty.Bool {
		return false, fmt.Errorf("condition must be a bool, got %s", v.Type().FriendlyName())
	}
	return v.True(), nil
}
