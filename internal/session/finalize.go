package session

import (
	"context"
	"errors"
	"time"
)

// Minter hands out protocol numbers.
type Minter interface {
	Mint(ctx context.Context) (string, error)
}

// Finalize ends the room's current session. The protocol number is minted if
// the session has none and persisted before the status moves to ended, so an
// ended session always carries one. Ending an ended session returns it as is.
func Finalize(ctx context.Context, store Store, minter Minter, roomID string, at time.Time) (CallSession, error) {
	cur, err := store.Get(ctx, roomID)
	if err != nil {
		return CallSession{}, err
	}
	if cur.Status == StatusEnded {
		return cur, nil
	}
	gen := cur.Generation

	if cur.ProtocolNumber == "" {
		number, err := minter.Mint(ctx)
		if err != nil {
			return CallSession{}, err
		}
		cur, err = store.Update(ctx, roomID, Patch{
			ProtocolNumber:   number,
			ExpectGeneration: &gen,
			At:               at,
		})
		if err != nil {
			return CallSession{}, err
		}
	}

	ended, err := store.Update(ctx, roomID, Patch{
		Status:           StatusPtr(StatusEnded),
		EndedAt:          TimePtr(at),
		ExpectStatus:     Allowed(TriggerEnd),
		ExpectGeneration: &gen,
		At:               at,
	})
	if errors.Is(err, ErrConflict) {
		// The other side ended it first.
		if fresh, gerr := store.Get(ctx, roomID); gerr == nil && fresh.Generation == gen && fresh.Status == StatusEnded {
			return fresh, nil
		}
	}
	return ended, err
}
