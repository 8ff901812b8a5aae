package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"doorbell-platform/internal/meeting"
	"doorbell-platform/internal/owner"
	"doorbell-platform/internal/protocol"
	"doorbell-platform/internal/session"
	"doorbell-platform/internal/visitor"
	"doorbell-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call the controllers, return JSON.
type Handlers struct {
	Store    session.Store
	Visitors *visitor.Registry
	Owners   *owner.Registry
	// Meetings is optional; without it the authorize endpoint answers 501.
	Meetings Authorizer

	// Checks are run by Healthz; any failing check reports degraded.
	Checks map[string]func(ctx context.Context) error
}

// Authorizer flips the video provider to ready once the owner has connected
// their account.
type Authorizer interface {
	Authorize()
}

func (h Handlers) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := gin.H{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "checks": results})
}

// --- Visitor ---

type ringRequest struct {
	PropertyID string `json:"property_id"`
	OwnerID    string `json:"owner_id"`
}

func (h Handlers) Ring(c *gin.Context) {
	var req ringRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.OwnerID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "owner_id required"})
		return
	}
	v := h.Visitors.Get(c.Param("room_id"), req.PropertyID, req.OwnerID)
	s, err := v.Ring(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(s))
}

func (h Handlers) SendResponse(c *gin.Context) {
	v, ok := h.visitorFor(c)
	if !ok {
		return
	}
	var req visitor.Response
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	s, err := v.SendResponse(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(s))
}

func (h Handlers) VisitorEnd(c *gin.Context) {
	v, ok := h.visitorFor(c)
	if !ok {
		return
	}
	s, err := v.End(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(s))
}

// JoinVideo records that the visitor opened the meeting link.
func (h Handlers) JoinVideo(c *gin.Context) {
	v, ok := h.visitorFor(c)
	if !ok {
		return
	}
	s, err := v.JoinVideo(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(s))
}

// Exit is called by the visitor client when its process terminates.
func (h Handlers) Exit(c *gin.Context) {
	roomID := c.Param("room_id")
	v, ok := h.visitorFor(c)
	if !ok {
		return
	}
	if err := v.TeardownOnExit(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	h.Visitors.Remove(roomID)
	c.Status(http.StatusNoContent)
}

func (h Handlers) GetRoom(c *gin.Context) {
	v, ok := h.visitorFor(c)
	if !ok {
		return
	}
	s, err := h.Store.Get(c.Request.Context(), v.RoomID())
	if err != nil {
		writeError(c, err)
		return
	}
	v.Observe(s)
	c.JSON(http.StatusOK, sessionView(v.View()))
}

func (h Handlers) RoomEvents(c *gin.Context) {
	v, ok := h.visitorFor(c)
	if !ok {
		return
	}
	events, cancel := v.Subscribe()
	defer cancel()
	stream(c, events, func(ev visitor.Event) string { return string(ev.Type) })
}

// visitorFor finds the room's controller, starting one from the stored
// session when this process has not seen the room yet.
func (h Handlers) visitorFor(c *gin.Context) (*visitor.Controller, bool) {
	roomID := c.Param("room_id")
	if v, ok := h.Visitors.Lookup(roomID); ok {
		return v, true
	}
	s, err := h.Store.Get(c.Request.Context(), roomID)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return h.Visitors.Get(roomID, s.PropertyID, s.OwnerID), true
}

// sessionView hides the protocol number from both parties until the
// session has ended.
func sessionView(s session.CallSession) session.CallSession {
	if s.Status != session.StatusEnded {
		s.ProtocolNumber = ""
	}
	return s
}

// --- Owner ---

type voiceRequest struct {
	AudioURL string `json:"audio_url"`
}

func (h Handlers) Answer(c *gin.Context) {
	h.ownerAction(c, func(ctx context.Context, o *owner.Controller, roomID string) (session.CallSession, error) {
		return o.Answer(ctx, roomID)
	})
}

func (h Handlers) StartVideo(c *gin.Context) {
	h.ownerAction(c, func(ctx context.Context, o *owner.Controller, roomID string) (session.CallSession, error) {
		return o.StartVideo(ctx, roomID)
	})
}

func (h Handlers) SendVoice(c *gin.Context) {
	var req voiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	h.ownerAction(c, func(ctx context.Context, o *owner.Controller, roomID string) (session.CallSession, error) {
		return o.SendAsyncVoice(ctx, roomID, req.AudioURL)
	})
}

func (h Handlers) OwnerEnd(c *gin.Context) {
	h.ownerAction(c, func(ctx context.Context, o *owner.Controller, roomID string) (session.CallSession, error) {
		return o.EndSession(ctx, roomID)
	})
}

func (h Handlers) Decline(c *gin.Context) {
	o := h.Owners.Get(c.Param("owner_id"))
	if err := o.Decline(c.Param("room_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) OwnerSessions(c *gin.Context) {
	o := h.Owners.Get(c.Param("owner_id"))
	sessions := o.Sessions()
	for i := range sessions {
		sessions[i] = sessionView(sessions[i])
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h Handlers) OwnerEvents(c *gin.Context) {
	o := h.Owners.Get(c.Param("owner_id"))
	events, cancel := o.Subscribe()
	defer cancel()
	stream(c, events, func(ev owner.Event) string { return string(ev.Type) })
}

func (h Handlers) ownerAction(c *gin.Context, fn func(context.Context, *owner.Controller, string) (session.CallSession, error)) {
	o := h.Owners.Get(c.Param("owner_id"))
	s, err := fn(c.Request.Context(), o, c.Param("room_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionView(s))
}

// --- Meetings ---

// AuthorizeMeetings lets deferred video starts go through without a restart.
func (h Handlers) AuthorizeMeetings(c *gin.Context) {
	if h.Meetings == nil {
		c.AbortWithStatusJSON(http.StatusNotImplemented, gin.H{"error": "video provider not configured"})
		return
	}
	h.Meetings.Authorize()
	logger.FromGin(c).Info("video provider authorized")
	c.Status(http.StatusNoContent)
}

// stream relays events as server-sent events until the client goes away or
// the controller closes the channel.
func stream[T any](c *gin.Context, events <-chan T, name func(T) string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(name(ev), ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func writeError(c *gin.Context, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, session.ErrNotFound):
		status, msg = http.StatusNotFound, "session not found"
	case errors.Is(err, session.ErrSessionEnded):
		status, msg = http.StatusConflict, "session ended"
	case errors.Is(err, visitor.ErrNoVideoCall):
		status, msg = http.StatusConflict, "no video call to join"
	case errors.Is(err, session.ErrConflict), errors.Is(err, session.ErrLiveSessionExists):
		status, msg = http.StatusConflict, "session changed, refresh and retry"
	case errors.Is(err, visitor.ErrInvalidResponse), errors.Is(err, owner.ErrInvalidAudio):
		status, msg = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, visitor.ErrMediaDeliveryFailure):
		status, msg = http.StatusBadGateway, "response not delivered, retry"
	case errors.Is(err, meeting.ErrAuthorizationPending):
		c.Header("Retry-After", "5")
		status, msg = http.StatusServiceUnavailable, "video provider authorization pending"
	case errors.Is(err, meeting.ErrNotConfigured):
		status, msg = http.StatusServiceUnavailable, "video provider not configured"
	case errors.Is(err, session.ErrStoreUnavailable), errors.Is(err, protocol.ErrExhausted):
		status, msg = http.StatusServiceUnavailable, "temporarily unavailable"
	}
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
