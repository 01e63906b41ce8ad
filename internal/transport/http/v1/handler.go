// Package v1 provides the HTTP handlers of the orchestrator.
package v1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pinchtab/pinchtab/internal/service"
	"github.com/pinchtab/pinchtab/internal/transport/ws"
)

// Handler handles HTTP requests.
type Handler struct {
	service   *service.Service
	relay     *ws.Server
	version   string
	keepAlive time.Duration
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service, relay *ws.Server, version string, keepAlive time.Duration) *Handler {
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	return &Handler{
		service:   service,
		relay:     relay,
		version:   version,
		keepAlive: keepAlive,
	}
}

// RegisterRoutes registers all routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	// Profiles
	e.GET("/profiles", h.ListProfiles)
	e.POST("/profiles", h.CreateProfile)
	e.POST("/profiles/create", h.CreateProfile)
	e.POST("/profiles/import", h.ImportProfile)
	e.GET("/profiles/:name", h.GetProfile)
	e.PATCH("/profiles/:name", h.UpdateProfile)
	e.DELETE("/profiles/:name", h.DeleteProfile)
	e.POST("/profiles/:name/reset", h.ResetProfile)
	e.POST("/profiles/:name/start", h.StartProfile)
	e.POST("/profiles/:name/stop", h.StopProfile)
	e.GET("/profiles/:name/instance", h.ProfileInstance)
	e.GET("/profiles/:name/analytics", h.ProfileAnalytics)
	e.GET("/profiles/:name/logs", h.ProfileLogs)

	// Instances
	e.GET("/instances", h.ListInstances)
	e.GET("/instances/tabs", h.ListInstanceTabs)
	e.POST("/instances/launch", h.LaunchInstance)
	e.GET("/instances/:id", h.GetInstance)
	e.POST("/instances/:id/stop", h.StopInstance)
	e.GET("/instances/:id/logs", h.InstanceLogs)
	e.GET("/instances/:id/screencast", h.InstanceScreencast)

	// Main instance views
	e.GET("/tabs", h.MainTabs)
	e.GET("/screencast/tabs", h.MainTabs)
	e.GET("/screencast", h.Screencast)

	// Dashboard
	e.GET("/dashboard/events", h.Events)
	e.GET("/dashboard/agents", h.Agents)
	e.GET("/dashboard/activity", h.Activity)

	h.registerProxy(e)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"mode":      "dashboard",
		"version":   h.version,
		"instances": len(h.service.Registry().Active()),
	})
}
