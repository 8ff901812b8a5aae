package session

import "time"

// CallSession is the record both controllers read and write through the store.
//
// Invariants:
// - At most one non-ended session exists per RoomID.
// - ProtocolNumber is minted once per generation and never changes afterwards.
// - OwnerJoined / VisitorJoined only ever go from false to true within a generation.
// - VisitorResponseURL is unique per send (it carries a delivery discriminator).
type CallSession struct {
	RoomID     string `json:"room_id"`
	PropertyID string `json:"property_id"`
	OwnerID    string `json:"owner_id"`

	// Generation increases every time the room's session is recreated
	// (retry after not_answered, new ring after ended, teardown reset).
	Generation int64 `json:"generation"`

	Status Status `json:"status"`

	MeetLink      string `json:"meet_link,omitempty"`
	OwnerJoined   bool   `json:"owner_joined"`
	VisitorJoined bool   `json:"visitor_joined"`

	OwnerAudioURL      string `json:"owner_audio_url,omitempty"`
	VisitorResponseURL string `json:"visitor_response_url,omitempty"`
	VisitorTextMessage string `json:"visitor_text_message,omitempty"`

	ProtocolNumber string `json:"protocol_number,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// IsLive reports whether the session still blocks a new session on the same room.
func (s CallSession) IsLive() bool { return s.Status != StatusEnded }

// Status is the primary state of a call session.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRinging      Status = "ringing"
	StatusAnswered     Status = "answered"
	StatusVideoCall    Status = "video_call"
	StatusAudioMessage Status = "audio_message"
	StatusNotAnswered  Status = "not_answered"
	StatusEnded        Status = "ended"
)

// Valid returns true iff s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRinging, StatusAnswered, StatusVideoCall,
		StatusAudioMessage, StatusNotAnswered, StatusEnded:
		return true
	}
	return false
}

// Engaged reports whether the owner has taken the call in some form.
// The visitor's escalation timer must not fire in these states.
func (s Status) Engaged() bool {
	switch s {
	case StatusAnswered, StatusVideoCall, StatusAudioMessage:
		return true
	}
	return false
}

// Rank places s in the forward-only lattice:
// pending < ringing < not_answered < {answered, audio_message, video_call} < ended.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRinging:
		return 1
	case StatusNotAnswered:
		return 2
	case StatusAnswered, StatusVideoCall, StatusAudioMessage:
		return 3
	case StatusEnded:
		return 4
	}
	return -1
}
