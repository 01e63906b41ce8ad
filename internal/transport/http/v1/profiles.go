package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/pinchtab/pinchtab/internal/domain"
)

// ListProfiles lists profiles.
// GET /profiles[?all=true]
func (h *Handler) ListProfiles(c echo.Context) error {
	all, _ := strconv.ParseBool(c.QueryParam("all"))
	list, err := h.service.ListProfiles(c.Request().Context(), all)
	if err != nil {
		return writeError(c, err)
	}
	if list == nil {
		list = []domain.Profile{}
	}
	return c.JSON(http.StatusOK, list)
}

// CreateProfile creates an empty profile.
// POST /profiles
func (h *Handler) CreateProfile(c echo.Context) error {
	var req ProfileRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" {
		return badRequest(c, "name is required")
	}

	p, err := h.service.CreateProfile(c.Request().Context(), req.Name, domain.ProfileMeta{UseWhen: req.UseWhen, Description: req.Description})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

// ImportProfile copies an existing Chrome user-data directory into a new profile.
// POST /profiles/import
func (h *Handler) ImportProfile(c echo.Context) error {
	var req ProfileRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" {
		return badRequest(c, "name is required")
	}
	if req.Source == "" {
		return badRequest(c, "source is required")
	}

	p, err := h.service.ImportProfile(c.Request().Context(), req.Name, req.Source, domain.ProfileMeta{UseWhen: req.UseWhen, Description: req.Description})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

// GetProfile gets a profile by name or id.
// GET /profiles/:name
func (h *Handler) GetProfile(c echo.Context) error {
	p, err := h.service.GetProfile(c.Request().Context(), c.Param("name"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// UpdateProfile renames a profile or edits its metadata.
// PATCH /profiles/:name
func (h *Handler) UpdateProfile(c echo.Context) error {
	var req ProfilePatchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == nil && req.UseWhen == nil && req.Description == nil {
		return badRequest(c, "nothing to update")
	}

	p, err := h.service.UpdateProfile(c.Request().Context(), c.Param("name"), domain.ProfilePatch{
		Name:        req.Name,
		UseWhen:     req.UseWhen,
		Description: req.Description,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// DeleteProfile deletes a profile and its data.
// DELETE /profiles/:name[?force=true]
func (h *Handler) DeleteProfile(c echo.Context) error {
	force, _ := strconv.ParseBool(c.QueryParam("force"))
	name := c.Param("name")
	if err := h.service.DeleteProfile(c.Request().Context(), name, force); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "deleted", "name": name})
}

// ResetProfile clears browsing data of a profile.
// POST /profiles/:name/reset
func (h *Handler) ResetProfile(c echo.Context) error {
	name := c.Param("name")
	if err := h.service.ResetProfile(c.Request().Context(), name); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reset", "name": name})
}

// StartProfile launches an instance bound to the profile.
// POST /profiles/:name/start
func (h *Handler) StartProfile(c echo.Context) error {
	var req LaunchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	inst, err := h.service.Launch(c.Request().Context(), c.Param("name"), string(req.Port), req.headless())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, inst)
}

// StopProfile stops the instance bound to the profile.
// POST /profiles/:name/stop[?wait=true]
func (h *Handler) StopProfile(c echo.Context) error {
	wait, _ := strconv.ParseBool(c.QueryParam("wait"))
	inst, err := h.service.StopProfile(c.Request().Context(), c.Param("name"), wait)
	if err != nil {
		return writeError(c, err)
	}
	return stopResponse(c, inst, wait)
}

// ProfileInstance reports the instance status of a profile.
// GET /profiles/:name/instance
func (h *Handler) ProfileInstance(c echo.Context) error {
	status, err := h.service.ProfileInstance(c.Request().Context(), c.Param("name"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// ProfileAnalytics summarizes recorded actions of a profile.
// GET /profiles/:name/analytics
func (h *Handler) ProfileAnalytics(c echo.Context) error {
	report, err := h.service.Analytics(c.Request().Context(), c.Param("name"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

// ProfileLogs returns recorded actions of a profile.
// GET /profiles/:name/logs[?limit=N]
func (h *Handler) ProfileLogs(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	logs, err := h.service.ActionLogs(c.Request().Context(), c.Param("name"), limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, logs)
}
