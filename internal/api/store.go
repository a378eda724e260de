package api

import (
	"context"
	"sync"
)

// activeSessions tracks the sessions this server is running.
type activeSessions struct {
	mu     sync.Mutex
	cancel map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func newActiveSessions() *activeSessions {
	return &activeSessions{cancel: make(map[string]context.CancelFunc)}
}

func (a *activeSessions) add(id string, cancel context.CancelFunc) {
	a.mu.Lock()
	a.cancel[id] = cancel
	a.mu.Unlock()
	a.wg.Add(1)
}

func (a *activeSessions) done(id string) {
	a.mu.Lock()
	if cancel, ok := a.cancel[id]; ok {
		cancel()
		delete(a.cancel, id)
	}
	a.mu.Unlock()
	a.wg.Done()
}

// stop cancels a running session. It reports false when id is not running.
func (a *activeSessions) stop(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cancel, ok := a.cancel[id]
	if ok {
		cancel()
	}
	return ok
}

func (a *activeSessions) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.cancel)
}

func (a *activeSessions) wait() { a.wg.Wait() }
