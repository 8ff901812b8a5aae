package session

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("session: not found")
	ErrConflict          = errors.New("session: conflict")
	ErrLiveSessionExists = errors.New("session: live session exists for room")
	ErrStoreUnavailable  = errors.New("session: store unavailable")
	ErrSessionEnded      = errors.New("session: ended")
	ErrInvalidSession    = errors.New("session: invalid session")
)

// Store is the only resource the two controllers share.
//
// Guarantees: updates become visible to subscribers eventually. There is no
// exactly-once or ordered delivery; a snapshot may be delivered more than once.
// Callers must treat every snapshot as idempotent, level-triggered input.
type Store interface {
	// Create inserts s and returns the stored record. The store assigns the
	// generation (one past the room's previous session). It fails with
	// ErrLiveSessionExists while the room holds a session that has not ended.
	Create(ctx context.Context, s CallSession) (CallSession, error)

	// Get returns the current session of a room or ErrNotFound.
	Get(ctx context.Context, roomID string) (CallSession, error)

	// Update applies p atomically and returns the stored result.
	// A failed precondition or a lost write race returns ErrConflict.
	Update(ctx context.Context, roomID string, p Patch) (CallSession, error)

	// Subscribe streams snapshots matching f, starting with the current ones.
	Subscribe(ctx context.Context, f Filter) (Subscription, error)

	// RecentEnded returns up to limit recently ended sessions of an owner,
	// newest first.
	RecentEnded(ctx context.Context, ownerID string, limit int) ([]CallSession, error)
}

// Filter selects snapshots by owner or by room. Exactly one should be set.
type Filter struct {
	OwnerID string
	RoomID  string
}

func (f Filter) Match(s CallSession) bool {
	if f.RoomID != "" && s.RoomID != f.RoomID {
		return false
	}
	if f.OwnerID != "" && s.OwnerID != f.OwnerID {
		return false
	}
	return f.RoomID != "" || f.OwnerID != ""
}

// Subscription is a restartable stream of snapshots. C is closed when the
// subscription ends, either by Close, by context cancellation or by a
// transport failure (Err then reports it).
type Subscription interface {
	C() <-chan CallSession
	Err() error
	Close() error
}

// validateNew checks a session about to be created.
func validateNew(s CallSession) error {
	if s.RoomID == "" || s.OwnerID == "" {
		return ErrInvalidSession
	}
	if !s.Status.Valid() {
		return ErrInvalidSession
	}
	return nil
}
