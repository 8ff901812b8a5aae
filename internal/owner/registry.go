package owner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"doorbell-platform/internal/clock"
)

type entry struct {
	c        *Controller
	cancel   context.CancelFunc
	lastUsed time.Time
}

// Registry hosts one controller per owner identity. Controllers nobody uses
// are stopped by Sweep.
type Registry struct {
	ctx   context.Context
	base  Config
	deps  Deps
	clock clock.Clock
	log   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

func NewRegistry(ctx context.Context, base Config, deps Deps) *Registry {
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{ctx: ctx, base: base, deps: deps, clock: clk, log: log, entries: map[string]*entry{}}
}

// Get returns the owner's controller, starting its loop on first use.
func (r *Registry) Get(ownerID string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	if e, ok := r.entries[ownerID]; ok {
		e.lastUsed = now
		return e.c
	}
	cfg := r.base
	cfg.OwnerID = ownerID
	c := NewController(cfg, r.deps)

	ctx, cancel := context.WithCancel(r.ctx)
	r.entries[ownerID] = &entry{c: c, cancel: cancel, lastUsed: now}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("owner controller stopped", "err", err)
		}
	}()
	return c
}

// Len returns the number of running controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep stops controllers unused for maxIdle that have no listeners and no
// call in progress. It returns how many were stopped.
func (r *Registry) Sweep(maxIdle time.Duration) int {
	now := r.clock.Now()
	var stale []*entry

	r.mu.Lock()
	for id, e := range r.entries {
		if now.Sub(e.lastUsed) < maxIdle || !e.c.Idle() {
			continue
		}
		delete(r.entries, id)
		stale = append(stale, e)
	}
	r.mu.Unlock()

	for _, e := range stale {
		e.cancel()
		e.c.Close()
	}
	return len(stale)
}

// RunJanitor sweeps every interval until ctx is done.
func (r *Registry) RunJanitor(ctx context.Context, every, maxIdle time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(every):
			if n := r.Sweep(maxIdle); n > 0 {
				r.log.Debug("idle owner controllers stopped", "count", n)
			}
		}
	}
}

// Close stops every controller and waits for their loops to return.
func (r *Registry) Close() {
	r.mu.Lock()
	entries := r.entries
	r.entries = map[string]*entry{}
	r.mu.Unlock()
	for _, e := range entries {
		e.cancel()
	}
	r.wg.Wait()
	for _, e := range entries {
		e.c.Close()
	}
}
