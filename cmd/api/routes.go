package main

import (
	"doorbell-platform/internal/httpapi"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers) {
	// public
	r.GET("/healthz", h.Healthz)

	// Doorbell API. Identity comes from the path; authentication is handled
	// in front of this service.
	h.Routes(r.Group("/v1"))
}
