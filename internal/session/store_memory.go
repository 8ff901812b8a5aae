package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	memorySubBuffer  = 64
	recentEndedBound = 50
)

// MemoryStore is an in-process Store used by tests and local runs.
// FailWrites and Redeliver let tests exercise transport failures and
// at-least-once delivery.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]CallSession
	ended    map[string][]CallSession
	subs     map[*memorySub]struct{}
	failErr  error
	clock    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]CallSession{},
		ended:    map[string][]CallSession{},
		subs:     map[*memorySub]struct{}{},
		clock:    time.Now,
	}
}

// SetClock overrides the time source used for UpdatedAt stamps.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = now
}

// FailWrites makes every following Create/Update fail with ErrStoreUnavailable
// wrapping err. Pass nil to restore normal behavior.
func (m *MemoryStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Redeliver publishes the room's current snapshot again.
func (m *MemoryStore) Redeliver(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[roomID]; ok {
		m.publishLocked(s)
	}
}

// Publish delivers an arbitrary snapshot to subscribers without storing it.
// Tests use it to replay stale or reordered snapshots.
func (m *MemoryStore) Publish(s CallSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishLocked(s)
}

func (m *MemoryStore) Create(ctx context.Context, s CallSession) (CallSession, error) {
	if err := ctx.Err(); err != nil {
		return CallSession{}, err
	}
	if err := validateNew(s); err != nil {
		return CallSession{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return CallSession{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, m.failErr)
	}

	s.Generation = 1
	if cur, ok := m.sessions[s.RoomID]; ok {
		if cur.IsLive() {
			return CallSession{}, ErrLiveSessionExists
		}
		s.Generation = cur.Generation + 1
	}
	now := m.clock().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.sessions[s.RoomID] = s
	m.publishLocked(s)
	return s, nil
}

func (m *MemoryStore) Get(ctx context.Context, roomID string) (CallSession, error) {
	if err := ctx.Err(); err != nil {
		return CallSession{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[roomID]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Update(ctx context.Context, roomID string, p Patch) (CallSession, error) {
	if err := ctx.Err(); err != nil {
		return CallSession{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return CallSession{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, m.failErr)
	}
	cur, ok := m.sessions[roomID]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	if p.At.IsZero() {
		p.At = m.clock().UTC()
	}
	next, err := p.Apply(cur)
	if err != nil {
		return CallSession{}, err
	}
	m.sessions[roomID] = next
	if next.Status == StatusEnded && (cur.Status != StatusEnded || next.Generation != cur.Generation) {
		list := append([]CallSession{next}, m.ended[next.OwnerID]...)
		if len(list) > recentEndedBound {
			list = list[:recentEndedBound]
		}
		m.ended[next.OwnerID] = list
	}
	m.publishLocked(next)
	return next, nil
}

func (m *MemoryStore) RecentEnded(ctx context.Context, ownerID string, limit int) ([]CallSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.ended[ownerID]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	out := make([]CallSession, len(list))
	copy(out, list)
	return out, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, f Filter) (Subscription, error) {
	if f.OwnerID == "" && f.RoomID == "" {
		return nil, fmt.Errorf("session: empty subscription filter")
	}
	sub := &memorySub{store: m, filter: f, ch: make(chan CallSession, memorySubBuffer), done: make(chan struct{})}

	m.mu.Lock()
	if m.failErr != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, m.failErr)
	}
	m.subs[sub] = struct{}{}
	for _, s := range m.sessions {
		if f.Match(s) {
			sub.push(s)
		}
	}
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.close(ctx.Err())
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (m *MemoryStore) publishLocked(s CallSession) {
	for sub := range m.subs {
		if sub.filter.Match(s) {
			sub.push(s)
		}
	}
}

type memorySub struct {
	store  *MemoryStore
	filter Filter
	ch     chan CallSession
	done   chan struct{}

	// guarded by store.mu
	closed bool
	err    error
}

// push never blocks. When the buffer is full the oldest snapshot is dropped;
// snapshots are full state so the newest one is what matters.
func (s *memorySub) push(v CallSession) {
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *memorySub) C() <-chan CallSession { return s.ch }

func (s *memorySub) Err() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.err
}

func (s *memorySub) Close() error {
	s.close(nil)
	return nil
}

func (s *memorySub) close(err error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	delete(s.store.subs, s)
	close(s.ch)
	close(s.done)
}

// Drop ends every open subscription with ErrStoreUnavailable, the way a lost
// connection would.
func (m *MemoryStore) Drop() {
	m.mu.Lock()
	subs := make([]*memorySub, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()
	for _, sub := range subs {
		sub.close(ErrStoreUnavailable)
	}
}
