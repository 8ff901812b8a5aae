package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	// Append stores e. It returns ErrDuplicate when the owner already has an
	// event with the same non-empty delivery key.
	Append(ctx context.Context, e Event) error

	// DeliveryKeys lists the delivery keys already recorded for an owner.
	DeliveryKeys(ctx context.Context, ownerID string) (map[string]struct{}, error)
}

// Service logs terminal session events.
//
// Callers treat audit logging as best-effort: a failed append is logged and
// never blocks the call flow.

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var (
	ErrInvalidEvent = errors.New("audit: invalid event")
	ErrDuplicate    = errors.New("audit: duplicate delivery")
)

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.RoomID == "" || e.OwnerID == "" {
		return ErrInvalidEvent
	}
	switch e.Type {
	case EventTypeSessionEnded, EventTypeVisitorResponse:
		if e.DeliveryKey == "" {
			return ErrInvalidEvent
		}
	default:
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// DeliveryKeys returns the delivery keys already recorded for ownerID.
func (s *Service) DeliveryKeys(ctx context.Context, ownerID string) (map[string]struct{}, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	return s.repo.DeliveryKeys(ctx, ownerID)
}

// EndedKey is the delivery key of a session_ended entry. A generation ends
// at most once, so replays of the same end collapse onto one entry.
func EndedKey(roomID string, generation int64) string {
	return fmt.Sprintf("ended:%s:%d", roomID, generation)
}

// LogSessionEnded records the end of a session generation with its protocol
// number. Recording the same generation again returns ErrDuplicate.
func (s *Service) LogSessionEnded(ctx context.Context, roomID, propertyID, ownerID string, generation int64, protocolNumber string) error {
	return s.Append(ctx, Event{
		RoomID:         roomID,
		PropertyID:     propertyID,
		OwnerID:        ownerID,
		Type:           EventTypeSessionEnded,
		DeliveryKey:    EndedKey(roomID, generation),
		ProtocolNumber: protocolNumber,
	})
}

// LogVisitorResponse records a visitor reply. A reply whose delivery key is
// already recorded returns ErrDuplicate and changes nothing.
func (s *Service) LogVisitorResponse(ctx context.Context, roomID, propertyID, ownerID, mediaRef, deliveryKey, protocolNumber string) error {
	return s.Append(ctx, Event{
		RoomID:         roomID,
		PropertyID:     propertyID,
		OwnerID:        ownerID,
		Type:           EventTypeVisitorResponse,
		MediaRef:       mediaRef,
		DeliveryKey:    deliveryKey,
		ProtocolNumber: protocolNumber,
	})
}
