package session

import (
	"context"
	"log/slog"
	"time"

	"doorbell-platform/internal/clock"
)

// DefaultBackoff is the wait before each resubscribe attempt. The last entry
// repeats until a subscription succeeds.
var DefaultBackoff = []time.Duration{0, 500 * time.Millisecond, time.Second, 2 * time.Second, 5 * time.Second}

type WatchOptions struct {
	Backoff []time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Watch subscribes to f and hands every snapshot to handle until ctx is done.
// A failed or dropped subscription is retried with backoff. Subscribe replays
// current state, and the Redis store replays it again whenever its transport
// resubscribes, so writes made during a reconnect still arrive.
func Watch(ctx context.Context, store Store, f Filter, opts WatchOptions, handle func(CallSession)) error {
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("owner_id", f.OwnerID, "room_id", f.RoomID)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		sub, err := store.Subscribe(ctx, f)
		if err != nil {
			log.Warn("subscribe failed", "attempt", attempt, "err", err)
			if !sleepBackoff(ctx, opts, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}
		attempt = 0

		for snap := range sub.C() {
			handle(snap)
		}
		_ = sub.Close()
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Warn("subscription lost, resubscribing", "err", sub.Err())
		if !sleepBackoff(ctx, opts, attempt) {
			return ctx.Err()
		}
		attempt++
	}
}

func sleepBackoff(ctx context.Context, opts WatchOptions, attempt int) bool {
	idx := attempt
	if idx >= len(opts.Backoff) {
		idx = len(opts.Backoff) - 1
	}
	d := opts.Backoff[idx]
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-opts.Clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
