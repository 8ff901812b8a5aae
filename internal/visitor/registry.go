package visitor

import (
	"context"
	"errors"
	"sync"
)

type entry struct {
	c      *Controller
	cancel context.CancelFunc
}

// Registry hosts one controller per room and keeps its subscription loop
// running until the room is removed or ctx is done.
type Registry struct {
	ctx  context.Context
	base Config
	deps Deps

	mu      sync.Mutex
	entries map[string]entry
	wg      sync.WaitGroup
}

// NewRegistry uses base for timing settings; room identity comes from Get.
func NewRegistry(ctx context.Context, base Config, deps Deps) *Registry {
	return &Registry{ctx: ctx, base: base, deps: deps, entries: map[string]entry{}}
}

// Get returns the room's controller, starting it on first use. A running
// controller keeps the property and owner it was started with.
func (r *Registry) Get(roomID, propertyID, ownerID string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[roomID]; ok {
		return e.c
	}
	cfg := r.base
	cfg.RoomID, cfg.PropertyID, cfg.OwnerID = roomID, propertyID, ownerID
	c := NewController(cfg, r.deps)

	ctx, cancel := context.WithCancel(r.ctx)
	r.entries[roomID] = entry{c: c, cancel: cancel}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("visitor controller stopped", "err", err)
		}
	}()
	return c
}

// Lookup returns a running controller without starting one.
func (r *Registry) Lookup(roomID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[roomID]
	return e.c, ok
}

// Remove stops the room's controller and closes its listeners.
func (r *Registry) Remove(roomID string) {
	r.mu.Lock()
	e, ok := r.entries[roomID]
	delete(r.entries, roomID)
	r.mu.Unlock()
	if ok {
		e.cancel()
		e.c.Close()
	}
}

// Close stops every controller and waits for their loops to return.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = map[string]entry{}
	r.mu.Unlock()
	for _, e := range entries {
		e.cancel()
	}
	r.wg.Wait()
	for _, e := range entries {
		e.c.Close()
	}
}
