// Package reconcile imports visitor replies and session ends an owner missed
// while no owner controller was running.
package reconcile

import (
	"context"
	"errors"
	"log/slog"

	"doorbell-platform/internal/audit"
	"doorbell-platform/internal/media"
	"doorbell-platform/internal/session"
)

const DefaultLimit = 50

// Syncer compares recently ended sessions with the audit log and records the
// ends and replies that are not there yet. Running it twice imports nothing
// new.
type Syncer struct {
	store session.Store
	audit *audit.Service
	limit int
	log   *slog.Logger
}

func NewSyncer(store session.Store, auditSvc *audit.Service, limit int, log *slog.Logger) *Syncer {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &Syncer{store: store, audit: auditSvc, limit: limit, log: log}
}

// Sync returns the number of audit entries imported for ownerID.
func (s *Syncer) Sync(ctx context.Context, ownerID string) (int, error) {
	ended, err := s.store.RecentEnded(ctx, ownerID, s.limit)
	if err != nil {
		return 0, err
	}
	if len(ended) == 0 {
		return 0, nil
	}
	known, err := s.audit.DeliveryKeys(ctx, ownerID)
	if err != nil {
		return 0, err
	}

	imported := 0
	for _, sess := range ended {
		endKey := audit.EndedKey(sess.RoomID, sess.Generation)
		if _, ok := known[endKey]; !ok {
			known[endKey] = struct{}{}
			err := s.audit.LogSessionEnded(ctx, sess.RoomID, sess.PropertyID, sess.OwnerID, sess.Generation, sess.ProtocolNumber)
			switch {
			case err == nil:
				imported++
			case errors.Is(err, audit.ErrDuplicate):
			default:
				return imported, err
			}
		}

		if sess.VisitorResponseURL == "" {
			continue
		}
		key := media.DeliveryID(sess.VisitorResponseURL)
		if _, ok := known[key]; ok {
			continue
		}
		known[key] = struct{}{}

		err := s.audit.LogVisitorResponse(ctx, sess.RoomID, sess.PropertyID, sess.OwnerID,
			sess.VisitorResponseURL, key, sess.ProtocolNumber)
		switch {
		case err == nil:
			imported++
		case errors.Is(err, audit.ErrDuplicate):
			// recorded concurrently by a live controller
		default:
			return imported, err
		}
	}
	if imported > 0 {
		s.log.Info("missed audit entries imported", "owner_id", ownerID, "count", imported)
	}
	return imported, nil
}
