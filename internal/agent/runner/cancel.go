package runner

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrDuplicateRequest is returned when a request id is already running.
var ErrDuplicateRequest = errors.New("request id is already running")

// cancelRegistry maps running request ids to their cancel functions.
type cancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (c *cancelRegistry) add(id string, cancel context.CancelFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cancels[id]; ok {
		return ErrDuplicateRequest
	}
	c.cancels[id] = cancel
	return nil
}

func (c *cancelRegistry) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, id)
}

func (c *cancelRegistry) cancel(id string) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[id]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *cancelRegistry) active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.cancels))
	for id := range c.cancels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
