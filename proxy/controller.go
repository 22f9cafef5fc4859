package proxy

import (
	"context"
	"sync"
)

// Controller tracks cancellation handles for in-flight proxied requests,
// keyed by caller-supplied request id, so a specific outstanding request
// can be aborted without touching the others.
type Controller struct {
	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewController creates an empty abort registry.
func NewController() *Controller {
	return &Controller{inflight: make(map[string]context.CancelFunc)}
}

// Register derives a cancelable context for the request id. The returned
// release function removes the registration and must be called once the
// request settles, success or failure.
func (c *Controller) Register(ctx context.Context, id string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.inflight[id] = cancel
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		cancel()
	}
}

// Abort cancels the request registered under id. It reports whether a
// registration existed; aborting an unknown or already-settled id is a
// no-op.
func (c *Controller) Abort(id string) bool {
	c.mu.Lock()
	cancel, ok := c.inflight[id]
	c.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// Pending returns the number of registered in-flight requests.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}
