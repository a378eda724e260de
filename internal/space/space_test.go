package space

import (
	"errors"
	"slices"
	"testing"
)

func mustSpace(t *testing.T, decl func(s *Space) error) *Space {
	t.Helper()
	s := New()
	if err := decl(s); err != nil {
		t.Fatalf("declare: %v", err)
	}
	return s
}

func collect(s *Space) []string {
	var out []string
	for cfg := range s.All() {
		out = append(out, cfg.String())
	}
	return out
}

func TestEnumerateDeclarationOrder(t *testing.T) {
	t.Parallel()

	s := mustSpace(t, func(s *Space) error {
		if err := s.AddParameter("blockSize", Ints(16, 32, 64)); err != nil {
			return err
		}
		return s.AddParameter("unroll", Ints(1, 2))
	})

	got := collect(s)
	want := []string{
		"(blockSize=16, unroll=1)",
		"(blockSize=16, unroll=2)",
		"(blockSize=32, unroll=1)",
		"(blockSize=32, unroll=2)",
		"(blockSize=64, unroll=1)",
		"(blockSize=64, unroll=2)",
	}
	if !slices.Equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if s.Size() != 6 {
		t.Fatalf("size = %d, want 6", s.Size())
	}
}

func TestConstraintPrunesEarly(t *testing.T) {
	t.Parallel()

	var calls int
	s := mustSpace(t, func(s *Space) error {
		if err := s.AddParameter("a", Ints(1, 2, 3)); err != nil {
			return err
		}
		if err := s.AddParameter("b", Ints(1, 2)); err != nil {
			return err
		}
		if err := s.AddConstraint(Constraint{
			Name:   "a-odd",
			Params: []string{"a"},
			Fn: func(v []Value) bool {
				calls++
				return v[0].Int()%2 == 1
			},
		}); err != nil {
			return err
		}
		return s.AddParameter("c", Ints(10, 20), Constraint{
			Name:   "sum",
			Params: []string{"c", "b"},
			Fn: func(v []Value) bool {
				return v[0].Int()+v[1].Int() < 22
			},
		})
	})

	got := collect(s)
	want := []string{
		"(a=1, b=1, c=10)",
		"(a=1, b=1, c=20)",
		"(a=1, b=2, c=10)",
		"(a=3, b=1, c=10)",
		"(a=3, b=1, c=20)",
		"(a=3, b=2, c=10)",
	}
	if !slices.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	// "a-odd" is checked once per value of a, never per full configuration.
	if calls != 3 {
		t.Fatalf("constraint evaluated %d times, want 3", calls)
	}
}

func TestEnumerateIsRestartableAndDeterministic(t *testing.T) {
	t.Parallel()

	s := mustSpace(t, func(s *Space) error {
		if err := s.AddParameter("x", Floats(0.5, 1, 2)); err != nil {
			return err
		}
		return s.AddParameter("y", Ints(4, 8))
	})

	it := s.Enumerate()
	var first []Configuration
	for cfg, ok := it.Next(); ok; cfg, ok = it.Next() {
		first = append(first, cfg)
	}
	it.Reset()
	var second []Configuration
	for cfg, ok := it.Next(); ok; cfg, ok = it.Next() {
		second = append(second, cfg)
	}
	if len(first) != 6 || len(second) != 6 {
		t.Fatalf("lengths %d/%d, want 6", len(first), len(second))
	}
	for i := range first {
		if !first[i].Equal(second[i]) {
			t.Fatalf("index %d: %v != %v", i, first[i], second[i])
		}
	}
	if _, ok := it.Next(); ok {
		t.Fatalf("exhausted iterator yielded a configuration")
	}
}

func TestEmptySpace(t *testing.T) {
	t.Parallel()

	s := mustSpace(t, func(s *Space) error {
		return s.AddParameter("n", Ints(1, 2), Constraint{
			Name:   "never",
			Params: []string{"n"},
			Fn:     func([]Value) bool { return false },
		})
	})
	if err := s.Validate(); !errors.Is(err, ErrEmptySpace) {
		t.Fatalf("Validate() = %v, want ErrEmptySpace", err)
	}
}

func TestZeroParametersYieldOneConfiguration(t *testing.T) {
	t.Parallel()

	s := New()
	if s.Size() != 1 {
		t.Fatalf("size = %d, want 1", s.Size())
	}
	got := collect(s)
	if !slices.Equal(got, []string{"()"}) {
		t.Fatalf("got %v", got)
	}
}

func TestDeclarationErrors(t *testing.T) {
	t.Parallel()

	s := New()
	if err := s.AddParameter("a", Ints(1)); err != nil {
		t.Fatalf("AddParameter: %v", err)
	}
	if err := s.AddParameter("a", Ints(2)); !errors.Is(err, ErrDuplicateParameter) {
		t.Fatalf("duplicate: %v", err)
	}
	if err := s.AddParameter("b", nil); !errors.Is(err, ErrEmptyDomain) {
		t.Fatalf("empty domain: %v", err)
	}
	err := s.AddConstraint(Constraint{Name: "c", Params: []string{"zzz"}, Fn: func([]Value) bool { return true }})
	if !errors.Is(err, ErrUnknownParameter) {
		t.Fatalf("unknown parameter: %v", err)
	}

	_ = s.Size()
	if err := s.AddParameter("late", Ints(1)); !errors.Is(err, ErrFrozen) {
		t.Fatalf("after freeze: %v", err)
	}
}

func TestIsLegal(t *testing.T) {
	t.Parallel()

	s := mustSpace(t, func(s *Space) error {
		if err := s.AddParameter("m", Ints(1, 2, 4)); err != nil {
			return err
		}
		return s.AddParameter("n", Ints(1, 2, 4), Constraint{
			Name:   "product",
			Params: []string{"m", "n"},
			Fn:     func(v []Value) bool { return v[0].Int()*v[1].Int() <= 4 },
		})
	})

	tests := []struct {
		name string
		cfg  Configuration
		want bool
	}{
		{"legal", NewConfiguration(Pair{"m", Int(2)}, Pair{"n", Int(2)}), true},
		{"violates", NewConfiguration(Pair{"m", Int(4)}, Pair{"n", Int(2)}), false},
		{"outside domain", NewConfiguration(Pair{"m", Int(3)}, Pair{"n", Int(1)}), false},
		{"wrong kind", NewConfiguration(Pair{"m", Float(1)}, Pair{"n", Int(1)}), false},
		{"missing", NewConfiguration(Pair{"m", Int(1)}), false},
		{"reordered", NewConfiguration(Pair{"n", Int(1)}, Pair{"m", Int(1)}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.IsLegal(tt.cfg); got != tt.want {
				t.Fatalf("IsLegal(%v) = %v, want %v", tt.cfg, got, tt.want)
			}
		})
	}
	for cfg := range s.All() {
		if !s.IsLegal(cfg) {
			t.Fatalf("enumerated configuration %v is not legal", cfg)
		}
	}
}

func TestConfigurationJSON(t *testing.T) {
	t.Parallel()

	cfg := NewConfiguration(Pair{"tile", Int(16)}, Pair{"scale", Float(2)})
	data, err := cfg.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `[{"name":"tile","value":16},{"name":"scale","value":2.0}]` {
		t.Fatalf("unexpected encoding %s", data)
	}
	var back Configuration
	if err := back.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(cfg) {
		t.Fatalf("round trip %v != %v", back, cfg)
	}
}
