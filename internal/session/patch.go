package session

import (
	"fmt"
	"time"
)

// Patch is a partial update. Nil / zero fields are left untouched.
//
// Write-once fields (MeetLink, ProtocolNumber, AnsweredAt, EndedAt, joined flags)
// are only applied while the stored value is still empty, so a replayed or
// racing write can never change them.
type Patch struct {
	// NewGeneration starts a fresh generation before the other fields apply:
	// the generation is bumped and every per-generation field is cleared.
	NewGeneration bool

	Status *Status

	MeetLink      *string
	OwnerJoined   bool
	VisitorJoined bool

	OwnerAudioURL      *string
	VisitorResponseURL *string
	VisitorTextMessage *string

	ProtocolNumber string

	AnsweredAt *time.Time
	EndedAt    *time.Time

	// Preconditions, checked against the stored record before anything applies.
	ExpectStatus     []Status
	ExpectGeneration *int64

	// At stamps UpdatedAt (and CreatedAt for a new generation).
	At time.Time
}

// Apply returns s with p applied, or ErrConflict when a precondition fails.
func (p Patch) Apply(s CallSession) (CallSession, error) {
	if p.ExpectGeneration != nil && s.Generation != *p.ExpectGeneration {
		return s, fmt.Errorf("%w: generation %d, expected %d", ErrConflict, s.Generation, *p.ExpectGeneration)
	}
	if len(p.ExpectStatus) > 0 && !containsStatus(p.ExpectStatus, s.Status) {
		return s, fmt.Errorf("%w: status %s not in %v", ErrConflict, s.Status, p.ExpectStatus)
	}

	if p.NewGeneration {
		s = CallSession{
			RoomID:     s.RoomID,
			PropertyID: s.PropertyID,
			OwnerID:    s.OwnerID,
			Generation: s.Generation + 1,
			Status:     StatusPending,
			CreatedAt:  p.At,
		}
	}

	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.MeetLink != nil && s.MeetLink == "" {
		s.MeetLink = *p.MeetLink
	}
	if p.OwnerJoined {
		s.OwnerJoined = true
	}
	if p.VisitorJoined {
		s.VisitorJoined = true
	}
	if p.OwnerAudioURL != nil {
		s.OwnerAudioURL = *p.OwnerAudioURL
	}
	if p.VisitorResponseURL != nil {
		s.VisitorResponseURL = *p.VisitorResponseURL
	}
	if p.VisitorTextMessage != nil {
		s.VisitorTextMessage = *p.VisitorTextMessage
	}
	if p.ProtocolNumber != "" && s.ProtocolNumber == "" {
		s.ProtocolNumber = p.ProtocolNumber
	}
	if p.AnsweredAt != nil && s.AnsweredAt == nil {
		t := *p.AnsweredAt
		s.AnsweredAt = &t
	}
	if p.EndedAt != nil && s.EndedAt == nil {
		t := *p.EndedAt
		s.EndedAt = &t
	}
	if !p.At.IsZero() {
		s.UpdatedAt = p.At
	}
	return s, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// StatusPtr returns a pointer to s for use in a Patch.
func StatusPtr(s Status) *Status { return &s }

// StringPtr returns a pointer to v for use in a Patch.
func StringPtr(v string) *string { return &v }

// TimePtr returns a pointer to t for use in a Patch.
func TimePtr(t time.Time) *time.Time { return &t }
