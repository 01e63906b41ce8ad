package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pinchtab/pinchtab/internal/domain"
)

// ListInstances lists tracked instances.
// GET /instances
func (h *Handler) ListInstances(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.ListInstances())
}

// ListInstanceTabs lists the cached tabs of all running instances.
// GET /instances/tabs
func (h *Handler) ListInstanceTabs(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.AllTabs())
}

// LaunchInstance launches an instance for a profile.
// POST /instances/launch
func (h *Handler) LaunchInstance(c echo.Context) error {
	var req LaunchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" {
		return badRequest(c, "name is required")
	}

	inst, err := h.service.Launch(c.Request().Context(), req.Name, string(req.Port), req.headless())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, inst)
}

// GetInstance gets a single instance.
// GET /instances/:id
func (h *Handler) GetInstance(c echo.Context) error {
	inst, err := h.service.GetInstance(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, inst)
}

// StopInstance stops an instance.
// POST /instances/:id/stop[?wait=true]
func (h *Handler) StopInstance(c echo.Context) error {
	wait, _ := strconv.ParseBool(c.QueryParam("wait"))
	inst, err := h.service.Stop(c.Request().Context(), c.Param("id"), wait)
	if err != nil {
		return writeError(c, err)
	}
	return stopResponse(c, inst, wait)
}

func stopResponse(c echo.Context, inst *domain.Instance, wait bool) error {
	if wait || inst.Status.Terminal() {
		return c.JSON(http.StatusOK, inst)
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"status": string(domain.InstanceStatusStopping),
		"id":     inst.ID,
	})
}

// InstanceLogs returns the captured child output as text.
// GET /instances/:id/logs[?lines=N]
func (h *Handler) InstanceLogs(c echo.Context) error {
	lines, _ := strconv.Atoi(c.QueryParam("lines"))
	logs, err := h.service.Logs(c.Param("id"), lines)
	if err != nil {
		return writeError(c, err)
	}
	return c.String(http.StatusOK, logs)
}

// InstanceScreencast relays the screencast of one instance.
// WS /instances/:id/screencast
func (h *Handler) InstanceScreencast(c echo.Context) error {
	inst, err := h.service.GetInstance(c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	if inst.Status != domain.InstanceStatusRunning {
		return writeError(c, domain.NewError(domain.KindUnavailable, "instance %s is %s", inst.ID, inst.Status))
	}
	return h.relay.Serve(c, *inst)
}

// Screencast relays the screencast of the instance owning tabId, or the
// main instance.
// WS /screencast
func (h *Handler) Screencast(c echo.Context) error {
	inst, err := h.service.ResolveTab(c.QueryParam("tabId"))
	if err != nil {
		return writeError(c, err)
	}
	return h.relay.Serve(c, inst)
}

// MainTabs lists the tabs of the main instance, empty when none runs.
// GET /tabs, GET /screencast/tabs
func (h *Handler) MainTabs(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.MainTabs(c.Request().Context()))
}
