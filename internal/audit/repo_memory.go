package audit

import (
	"context"
	"sync"
)

// MemoryRepo is a simple in-memory append-only repository useful for tests.
// It is not intended for production use.

type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
	keys   map[string]struct{}
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{keys: map[string]struct{}{}} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.DeliveryKey != "" {
		k := e.OwnerID + "\x00" + e.DeliveryKey
		if _, ok := r.keys[k]; ok {
			return ErrDuplicate
		}
		r.keys[k] = struct{}{}
	}
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRepo) DeliveryKeys(ctx context.Context, ownerID string) (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]struct{}{}
	for _, e := range r.events {
		if e.OwnerID == ownerID && e.DeliveryKey != "" {
			out[e.DeliveryKey] = struct{}{}
		}
	}
	return out, nil
}

func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
