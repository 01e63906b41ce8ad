package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/pinchtab/pinchtab/internal/domain"
)

// Events streams bus events as SSE. The first event is always init.
// GET /dashboard/events
func (h *Handler) Events(c echo.Context) error {
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
	}

	sub := h.service.Tracker().Subscribe()
	defer sub.Close()

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	ctx := c.Request().Context()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.C:
			if !ok {
				// Dropped for being too slow; the client reconnects.
				return nil
			}
			if err := writeSSE(c.Response(), evt); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Response(), ": keepalive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt domain.Event) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}

// Agents lists known agents.
// GET /dashboard/agents
func (h *Handler) Agents(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.Tracker().Agents())
}

// Activity returns recent agent activity, oldest first.
// GET /dashboard/activity[?limit=N]
func (h *Handler) Activity(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	recent := h.service.Tracker().Recent(limit)
	if recent == nil {
		recent = []domain.ActivityEvent{}
	}
	return c.JSON(http.StatusOK, recent)
}
