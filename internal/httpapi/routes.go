package httpapi

import "github.com/gin-gonic/gin"

// Routes mounts the visitor and owner APIs. Keep this free of business logic.
func (h Handlers) Routes(r gin.IRouter) {
	rooms := r.Group("/rooms/:room_id")
	{
		rooms.GET("", h.GetRoom)
		rooms.GET("/events", h.RoomEvents)
		rooms.POST("/ring", h.Ring)
		rooms.POST("/responses", h.SendResponse)
		rooms.POST("/join", h.JoinVideo)
		rooms.POST("/end", h.VisitorEnd)
		rooms.POST("/exit", h.Exit)
	}

	owners := r.Group("/owners/:owner_id")
	{
		owners.GET("/sessions", h.OwnerSessions)
		owners.GET("/events", h.OwnerEvents)
		owners.POST("/rooms/:room_id/answer", h.Answer)
		owners.POST("/rooms/:room_id/decline", h.Decline)
		owners.POST("/rooms/:room_id/video", h.StartVideo)
		owners.POST("/rooms/:room_id/voice", h.SendVoice)
		owners.POST("/rooms/:room_id/end", h.OwnerEnd)
	}

	r.POST("/meetings/authorize", h.AuthorizeMeetings)
}
