package visitor

import (
	"time"

	"doorbell-platform/internal/session"
)

type EventType string

const (
	EventStatus     EventType = "status"
	EventEscalated  EventType = "escalated"
	EventOwnerAudio EventType = "owner_audio"
	EventMeetLink   EventType = "meet_link"
	EventEnded      EventType = "ended"
)

// Affordance is a next step offered to the visitor after an unanswered ring.
type Affordance string

const (
	AffordanceRetry         Affordance = "retry"
	AffordanceAudioMessage  Affordance = "audio_message"
	AffordanceVideoMessage  Affordance = "video_message"
	AffordanceTextMessage   Affordance = "text_message"
	AffordanceHumanFallback Affordance = "human_fallback"
)

// EscalationAffordances is offered once the owner failed to answer in time.
var EscalationAffordances = []Affordance{
	AffordanceRetry,
	AffordanceAudioMessage,
	AffordanceVideoMessage,
	AffordanceTextMessage,
	AffordanceHumanFallback,
}

// Event is what the visitor UI reacts to.
type Event struct {
	Type       EventType      `json:"type"`
	RoomID     string         `json:"room_id"`
	Generation int64          `json:"generation"`
	Status     session.Status `json:"status"`

	OwnerAudioURL  string `json:"owner_audio_url,omitempty"`
	MeetLink       string `json:"meet_link,omitempty"`
	ProtocolNumber string `json:"protocol_number,omitempty"`

	Affordances []Affordance `json:"affordances,omitempty"`
	At          time.Time    `json:"at"`
}
