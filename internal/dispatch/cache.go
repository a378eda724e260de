package dispatch

import (
	"errors"
	"sync"

	"github.com/samcharles93/ktune/internal/backend"
	"github.com/samcharles93/ktune/internal/kernel"
)

type cacheKey struct {
	id     kernel.ID
	source string
}

// ProgramCache keeps compiled programs across attempts. Programs are keyed
// by kernel and the exact configured source, so a hit only happens when a
// configuration is attempted again.
type ProgramCache struct {
	mu       sync.Mutex
	programs map[cacheKey]backend.Program
	hits     int
}

func NewProgramCache() *ProgramCache {
	return &ProgramCache{programs: make(map[cacheKey]backend.Program)}
}

func (c *ProgramCache) get(id kernel.ID, source string) (backend.Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.programs[cacheKey{id, source}]
	if ok {
		c.hits++
	}
	return p, ok
}

func (c *ProgramCache) put(id kernel.ID, source string, p backend.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programs[cacheKey{id, source}] = p
}

// Len is the number of cached programs.
func (c *ProgramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.programs)
}

// Hits is the number of compilations served from the cache.
func (c *ProgramCache) Hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

// Clear releases every cached program.
func (c *ProgramCache) Clear() error {
	c.mu.Lock()
	programs := c.programs
	c.programs = make(map[cacheKey]backend.Program)
	c.hits = 0
	c.mu.Unlock()

	var errs []error
	for _, p := range programs {
		if err := p.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
