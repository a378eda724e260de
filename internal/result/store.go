package result

import (
	"slices"
	"sync"
)

// Store accumulates results for one session. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	policy  Policy
	results []Result
}

func NewStore(policy Policy) *Store {
	return &Store{policy: policy}
}

func (s *Store) Policy() Policy { return s.policy }

// Append assigns the next sequence number to r and stores it.
func (s *Store) Append(r Result) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Seq = len(s.results) + 1
	s.results = append(s.results, r)
	return r
}

// Results returns the results in append order.
func (s *Store) Results() []Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.results)
}

// History returns the recorded results without copying them. The slice is
// capped at its length, so appending to it never reaches the store, and its
// elements must not be modified.
func (s *Store) History() []Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.results[:len(s.results):len(s.results)]
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// Best returns the result minimizing m among successful results. Incorrect
// results are skipped unless the policy includes them. Ties go to the
// earlier attempt.
func (s *Store) Best(m Metric) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  Result
		found bool
	)
	for _, r := range s.results {
		if !r.Ok() {
			continue
		}
		if s.policy == ExcludeIncorrect && r.Incorrect() {
			continue
		}
		if !found || m.Of(r) < m.Of(best) {
			best, found = r, true
		}
	}
	return best, found
}

// Summary counts results by outcome.
type Summary struct {
	Attempted         int `json:"attempted"`
	Succeeded         int `json:"succeeded"`
	Incorrect         int `json:"incorrect"`
	CompilationFailed int `json:"compilation_failed"`
	LaunchFailed      int `json:"launch_failed"`
	Fatal             int `json:"fatal"`
}

func (s *Store) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summarize(s.results)
}

// Summarize counts results by outcome.
func Summarize(results []Result) Summary {
	sum := Summary{Attempted: len(results)}
	for _, r := range results {
		switch r.Status {
		case StatusOK:
			sum.Succeeded++
			if r.Incorrect() {
				sum.Incorrect++
			}
		case StatusCompilationFailed:
			sum.CompilationFailed++
		case StatusLaunchFailed:
			sum.LaunchFailed++
		case StatusFatal:
			sum.Fatal++
		}
	}
	return sum
}
