// Package http provides the HTTP server implementation for the orchestrator.
package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/pinchtab/pinchtab/internal/logging"
	"github.com/pinchtab/pinchtab/internal/service"
	v1 "github.com/pinchtab/pinchtab/internal/transport/http/v1"
	"github.com/pinchtab/pinchtab/internal/transport/ws"
)

// Options configures the server.
type Options struct {
	Version   string
	KeepAlive time.Duration
}

// NewServer creates and configures the dashboard-facing HTTP server.
func NewServer(svc *service.Service, relay *ws.Server, opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	log := logging.NewLogger("http")

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		LogRemoteIP: true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := log.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
				"remote":  v.RemoteIP,
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request failed")
				return nil
			}
			entry.Debug("request")
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	handler := v1.NewHandler(svc, relay, opts.Version, opts.KeepAlive)

	// Register Routes
	handler.RegisterRoutes(e)

	return e
}
