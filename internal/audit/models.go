package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - room_id and owner_id are always set.
// - delivery_key is unique per owner: a visitor response is recorded at most once
//   however many times it is observed or reconciled.
//
// Storage (Postgres): table doorbell_audit_events, see EnsureSchema.
type Event struct {
	ID         string    `json:"id" db:"id"`
	RoomID     string    `json:"room_id" db:"room_id"`
	PropertyID string    `json:"property_id,omitempty" db:"property_id"`
	OwnerID    string    `json:"owner_id" db:"owner_id"`
	Type       EventType `json:"type" db:"type"`

	// MediaRef is the reply URL as delivered (discriminator included).
	MediaRef string `json:"media_ref,omitempty" db:"media_ref"`
	// DeliveryKey is the normalized identity of a visitor response.
	DeliveryKey string `json:"delivery_key,omitempty" db:"delivery_key"`

	ProtocolNumber string `json:"protocol_number,omitempty" db:"protocol_number"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeSessionEnded    EventType = "session_ended"
	EventTypeVisitorResponse EventType = "visitor_response"
)
