package owner

import (
	"time"

	"doorbell-platform/internal/media"
	"doorbell-platform/internal/session"
)

type EventType string

const (
	EventAlert           EventType = "alert"
	EventAlertStopped    EventType = "alert_stopped"
	EventStatus          EventType = "status"
	EventVisitorResponse EventType = "visitor_response"
	EventVisitorText     EventType = "visitor_text"
	EventEnded           EventType = "ended"
)

// Event is what the owner UI reacts to.
type Event struct {
	Type       EventType      `json:"type"`
	RoomID     string         `json:"room_id"`
	PropertyID string         `json:"property_id,omitempty"`
	Generation int64          `json:"generation"`
	Status     session.Status `json:"status"`

	MediaURL       string     `json:"media_url,omitempty"`
	MediaKind      media.Kind `json:"media_kind,omitempty"`
	Text           string     `json:"text,omitempty"`
	MeetLink       string     `json:"meet_link,omitempty"`
	ProtocolNumber string     `json:"protocol_number,omitempty"`

	At time.Time `json:"at"`
}
